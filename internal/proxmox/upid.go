package proxmox

import (
	"fmt"
	"strconv"
	"strings"
)

// UPIDInfo is the decoded form of a task identifier. UPIDs look like
// UPID:<node>:<pid>:<pstart>:<starttime>:<type>:<id>:<user>: with the
// numeric fields in hex.
type UPIDInfo struct {
	Node      string
	Type      string
	ID        string
	StartTime int64
}

// haWorkerTypes is the set of task types an HA parent's worker child may
// carry.
var haWorkerTypes = map[string]bool{
	"qmigrate":  true,
	"vzmigrate": true,
	"migrate":   true,
}

// ParseUPID decodes a task identifier.
func ParseUPID(upid string) (UPIDInfo, error) {
	parts := strings.Split(upid, ":")
	if len(parts) < 8 || parts[0] != "UPID" {
		return UPIDInfo{}, fmt.Errorf("malformed upid %q", upid)
	}
	start, err := strconv.ParseInt(parts[4], 16, 64)
	if err != nil {
		return UPIDInfo{}, fmt.Errorf("malformed upid start time in %q: %w", upid, err)
	}
	return UPIDInfo{
		Node:      parts[1],
		Type:      parts[5],
		ID:        parts[6],
		StartTime: start,
	}, nil
}

// IsHAParent reports whether the task type denotes an HA-managed parent
// whose real migration worker runs as a child task.
func IsHAParent(taskType string) bool {
	return taskType == "hamigrate" || strings.HasPrefix(taskType, "ha-")
}

// IsMigrationWorker reports whether the task type is a migration worker.
func IsMigrationWorker(taskType string) bool {
	return haWorkerTypes[taskType]
}
