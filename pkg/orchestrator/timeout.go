package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// getNodeTimeout resolves a node's effective timeout: per-node policy
// override, else the engine-wide default, else unlimited.
func getNodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	return defaultTimeout
}

// executeNodeWithTimeout runs node under a deadline derived from policy and
// defaultTimeout, translating a deadline-exceeded outcome into a NodeError
// the retry policy can classify as transient.
func executeNodeWithTimeout(ctx context.Context, node Node, nodeID string, snap Snapshot, policy *NodePolicy, defaultTimeout time.Duration) (NodeResult, error) {
	timeout := getNodeTimeout(policy, defaultTimeout)
	if timeout == 0 {
		result := node.Run(ctx, snap)
		return result, result.Err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := node.Run(timeoutCtx, snap)
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return result, &NodeError{
			NodeID:  nodeID,
			Message: fmt.Sprintf("exceeded timeout of %v", timeout),
			Code:    "NODE_TIMEOUT",
			Cause:   timeoutCtx.Err(),
		}
	}
	return result, result.Err
}
