package lifecycle

// ApproverList is a configuration-driven Authorizer. Partition-specific
// approvers take precedence; the global list applies everywhere. An empty
// ApproverList authorizes everyone, for deployments where the event source
// already gates who can react.
type ApproverList struct {
	Global       []string
	PerPartition map[string][]string
}

// IsApprover implements Authorizer.
func (a *ApproverList) IsApprover(partition, actor string) bool {
	if a == nil || (len(a.Global) == 0 && len(a.PerPartition) == 0) {
		return true
	}
	for _, id := range a.PerPartition[partition] {
		if id == actor {
			return true
		}
	}
	for _, id := range a.Global {
		if id == actor {
			return true
		}
	}
	return false
}
