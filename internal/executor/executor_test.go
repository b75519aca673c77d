package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/proxbal/proxbal/internal/domain"
	"github.com/proxbal/proxbal/internal/proxmox"
)

// mockAPI simulates migration dispatch and task polling. Each dispatched
// job finishes after pollsUntilDone status polls.
type mockAPI struct {
	mu sync.Mutex

	pollsUntilDone int
	failDispatch   map[int]error
	exitStatus     map[int]string
	neverFinish    map[int]bool

	dispatched []int
	inFlight   int
	maxInFlight int

	polls map[string]int

	// haParent marks guests whose migrate call returns an HA parent task.
	haParent map[int]bool
	children map[int][]proxmox.TaskRef
}

func newMockAPI() *mockAPI {
	return &mockAPI{
		pollsUntilDone: 2,
		failDispatch:   map[int]error{},
		exitStatus:     map[int]string{},
		neverFinish:    map[int]bool{},
		polls:          map[string]int{},
		haParent:       map[int]bool{},
		children:       map[int][]proxmox.TaskRef{},
	}
}

func upidFor(id int, taskType string) string {
	return fmt.Sprintf("UPID:node-a:00001234:0000ABCD:65F00000:%s:%d:root@pam:", taskType, id)
}

func (m *mockAPI) Migrate(ctx context.Context, req proxmox.MigrateRequest) (domain.JobHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failDispatch[req.ID]; err != nil {
		return domain.JobHandle{}, err
	}
	m.dispatched = append(m.dispatched, req.ID)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	taskType := "qmigrate"
	if m.haParent[req.ID] {
		taskType = "hamigrate"
	}
	return domain.JobHandle{Node: req.Node, UPID: upidFor(req.ID, taskType)}, nil
}

func (m *mockAPI) TaskStatus(ctx context.Context, node, upid string) (proxmox.TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := proxmox.ParseUPID(upid)
	if err != nil {
		return proxmox.TaskStatus{}, err
	}
	m.polls[upid]++

	var id int
	fmt.Sscanf(info.ID, "%d", &id)

	if info.Type == "hamigrate" {
		// The parent task idles while its child does the work.
		return proxmox.TaskStatus{UPID: upid, Type: info.Type, Status: "running"}, nil
	}

	if m.neverFinish[id] || m.polls[upid] < m.pollsUntilDone {
		return proxmox.TaskStatus{UPID: upid, Type: info.Type, Status: "running"}, nil
	}

	m.inFlight--
	exit := m.exitStatus[id]
	if exit == "" {
		exit = "OK"
	}
	return proxmox.TaskStatus{UPID: upid, Type: info.Type, Status: "stopped", ExitStatus: exit}, nil
}

func (m *mockAPI) TaskChildren(ctx context.Context, node string, vmid int) ([]proxmox.TaskRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.children[vmid], nil
}

func testPlan(ids ...int) (*domain.Cluster, *domain.Plan) {
	cluster := &domain.Cluster{
		Nodes:  map[string]*domain.Node{},
		Guests: map[int]*domain.Guest{},
	}
	plan := &domain.Plan{Method: domain.DimensionMemory, Mode: domain.ModeUsed}
	for _, id := range ids {
		cluster.Guests[id] = &domain.Guest{
			ID:      id,
			Kind:    domain.GuestVM,
			Node:    "node-a",
			Running: true,
		}
		plan.Moves = append(plan.Moves, domain.Move{
			GuestID: id,
			Kind:    domain.GuestVM,
			From:    "node-a",
			To:      "node-b",
		})
	}
	return cluster, plan
}

func fastOptions() Options {
	return Options{
		Live:             true,
		MaxJobValidation: 2 * time.Second,
		PollInterval:     time.Millisecond,
		ClusterMajor:     9,
	}
}

func TestExecute_SequentialRunsOneAtATime(t *testing.T) {
	api := newMockAPI()
	cluster, plan := testPlan(1, 2, 3)

	results := New(api, zap.NewNop()).Execute(context.Background(), cluster, plan, fastOptions())

	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, domain.MoveSucceeded, res.Status)
	}
	assert.Equal(t, []int{1, 2, 3}, api.dispatched)
	assert.Equal(t, 1, api.maxInFlight)
}

func TestExecute_ParallelBoundAndOrder(t *testing.T) {
	api := newMockAPI()
	api.pollsUntilDone = 5
	cluster, plan := testPlan(1, 2, 3, 4, 5, 6, 7)

	opts := fastOptions()
	opts.Parallel = true
	opts.ParallelJobs = 3

	results := New(api, zap.NewNop()).Execute(context.Background(), cluster, plan, opts)

	require.Len(t, results, 7)
	for _, res := range results {
		assert.Equal(t, domain.MoveSucceeded, res.Status)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, api.dispatched, "dispatch follows plan order")
	assert.LessOrEqual(t, api.maxInFlight, 3, "pool never exceeds parallel_jobs")
	assert.GreaterOrEqual(t, api.maxInFlight, 2, "parallel mode overlaps jobs")
}

func TestExecute_DispatchFailureDoesNotAbortPlan(t *testing.T) {
	api := newMockAPI()
	api.failDispatch[2] = fmt.Errorf("guest is locked")
	cluster, plan := testPlan(1, 2, 3)

	results := New(api, zap.NewNop()).Execute(context.Background(), cluster, plan, fastOptions())

	assert.Equal(t, domain.MoveSucceeded, results[0].Status)
	assert.Equal(t, domain.MoveFailed, results[1].Status)
	var migErr *domain.MigrationError
	require.ErrorAs(t, results[1].Err, &migErr)
	assert.Equal(t, domain.MoveSucceeded, results[2].Status)
}

func TestExecute_FailedTaskReportsExitStatus(t *testing.T) {
	api := newMockAPI()
	api.exitStatus[1] = "migration aborted"
	cluster, plan := testPlan(1)

	results := New(api, zap.NewNop()).Execute(context.Background(), cluster, plan, fastOptions())

	assert.Equal(t, domain.MoveFailed, results[0].Status)
	assert.ErrorContains(t, results[0].Err, "migration aborted")
}

func TestExecute_TimeoutLeavesJobRunning(t *testing.T) {
	api := newMockAPI()
	api.neverFinish[1] = true
	cluster, plan := testPlan(1)

	opts := fastOptions()
	opts.MaxJobValidation = 50 * time.Millisecond

	results := New(api, zap.NewNop()).Execute(context.Background(), cluster, plan, opts)

	assert.Equal(t, domain.MoveTimedOut, results[0].Status)
	assert.ErrorContains(t, results[0].Err, "validation window")
}

func TestExecute_CancelledBeforeDispatch(t *testing.T) {
	api := newMockAPI()
	cluster, plan := testPlan(1, 2, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := New(api, zap.NewNop()).Execute(ctx, cluster, plan, fastOptions())

	for _, res := range results {
		assert.Equal(t, domain.MoveCancelled, res.Status)
	}
	assert.Empty(t, api.dispatched)
}

func TestExecute_ResolvesHAWrappedChild(t *testing.T) {
	api := newMockAPI()
	api.haParent[1] = true
	childUPID := upidFor(1, "qmigrate")
	api.children[1] = []proxmox.TaskRef{
		{UPID: upidFor(1, "hastart"), Type: "hastart", ID: "1"},
		{UPID: childUPID, Type: "qmigrate", ID: "1"},
	}
	cluster, plan := testPlan(1)

	results := New(api, zap.NewNop()).Execute(context.Background(), cluster, plan, fastOptions())

	assert.Equal(t, domain.MoveSucceeded, results[0].Status)
	assert.Greater(t, api.polls[childUPID], 0, "executor polls the resolved worker task")
}

func TestExecute_ContainerMigrationSucceeds(t *testing.T) {
	api := newMockAPI()
	cluster := &domain.Cluster{
		Nodes: map[string]*domain.Node{},
		Guests: map[int]*domain.Guest{
			9: {ID: 9, Kind: domain.GuestCT, Node: "node-a", Running: true},
		},
	}
	plan := &domain.Plan{
		Moves: []domain.Move{{GuestID: 9, Kind: domain.GuestCT, From: "node-a", To: "node-b"}},
	}

	results := New(api, zap.NewNop()).Execute(context.Background(), cluster, plan, fastOptions())
	assert.Equal(t, domain.MoveSucceeded, results[0].Status)
}
