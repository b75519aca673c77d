package proxmox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericCoercion(t *testing.T) {
	// The API intermittently stringifies numbers; both forms must decode.
	var n NodeStatus
	raw := `{"node":"pve1","status":"online","maxcpu":"32","cpu":0.25,"maxmem":68719476736,"mem":"34359738368","maxdisk":1.099511627776e12,"disk":0}`
	require.NoError(t, json.Unmarshal([]byte(raw), &n))

	assert.Equal(t, Int64(32), n.MaxCPU)
	assert.Equal(t, Float64(0.25), n.CPU)
	assert.Equal(t, Int64(34359738368), n.Mem)
	assert.Equal(t, Int64(1099511627776), n.MaxDisk)
}

func TestNumericCoercion_Invalid(t *testing.T) {
	var v Int64
	assert.Error(t, json.Unmarshal([]byte(`"not-a-number"`), &v))
}

func TestGuestConfig_DiskSlots(t *testing.T) {
	raw := `{
		"tags": "prod;plb_pin_pve1",
		"scsi0": "local-lvm:vm-101-disk-0,size=32G",
		"scsi1": "shared-ceph:vm-101-disk-1,shared=1,size=64G",
		"ide2": "local:iso/debian.iso,media=cdrom",
		"virtio3": "local-lvm:vm-101-disk-2,size=8G",
		"net0": "virtio=AA:BB:CC:DD:EE:FF,bridge=vmbr0",
		"cores": 4
	}`
	var cfg GuestConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, "prod;plb_pin_pve1", cfg.Tags)

	slots := cfg.DiskSlots()
	require.Len(t, slots, 3, "cdrom and non-disk keys are skipped")

	byKey := map[string]DiskSlot{}
	for _, s := range slots {
		byKey[s.Key] = s
	}
	assert.False(t, byKey["scsi0"].Shared)
	assert.True(t, byKey["scsi1"].Shared)
	assert.Equal(t, "virtio", byKey["virtio3"].Bus)
}

func TestHARule_Parsing(t *testing.T) {
	rule := HARule{
		Resources: "vm:101, ct:102,vm:103",
		Nodes:     "pve1:2,pve2",
		Affinity:  "negative",
	}
	assert.Equal(t, []int{101, 102, 103}, rule.GuestIDs())
	assert.Equal(t, []string{"pve1", "pve2"}, rule.NodeNames())
}

func TestVersionInfo_Major(t *testing.T) {
	assert.Equal(t, 8, VersionInfo{Version: "8.4.1"}.Major())
	assert.Equal(t, 9, VersionInfo{Version: "9.0"}.Major())
	assert.Equal(t, 0, VersionInfo{}.Major())
}

func TestParseUPID(t *testing.T) {
	info, err := ParseUPID("UPID:pve1:00051234:0052AB00:65F10203:qmigrate:101:root@pam:")
	require.NoError(t, err)
	assert.Equal(t, "pve1", info.Node)
	assert.Equal(t, "qmigrate", info.Type)
	assert.Equal(t, "101", info.ID)
	assert.Equal(t, int64(0x65F10203), info.StartTime)

	_, err = ParseUPID("garbage")
	assert.Error(t, err)
}

func TestIntBool(t *testing.T) {
	var flags struct {
		A IntBool `json:"a"`
		B IntBool `json:"b"`
		C IntBool `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":1,"b":"0","c":true}`), &flags))
	assert.True(t, bool(flags.A))
	assert.False(t, bool(flags.B))
	assert.True(t, bool(flags.C))
}
