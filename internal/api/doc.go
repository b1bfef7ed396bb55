// Package api exposes the REST surface of the vault: transaction
// submission, approvals, policy management, wallet and session
// administration, and the kill switch endpoints. The kill switch gate
// wraps every route except health, metrics and the switch itself.
package api
