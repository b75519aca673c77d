// Package inventory builds the canonical per-cycle cluster snapshot from the
// hypervisor API.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/proxbal/proxbal/internal/config"
	"github.com/proxbal/proxbal/internal/domain"
	"github.com/proxbal/proxbal/internal/proxmox"
)

// API is the read surface of the hypervisor client the inventory consumes.
type API interface {
	ListNodes(ctx context.Context) ([]proxmox.NodeStatus, error)
	NodeVersion(ctx context.Context, node string) (proxmox.VersionInfo, error)
	ListGuests(ctx context.Context, node string, kind domain.GuestKind) ([]proxmox.GuestStatus, error)
	GuestConfig(ctx context.Context, node string, kind domain.GuestKind, id int) (proxmox.GuestConfig, error)
	GuestRRD(ctx context.Context, node string, kind domain.GuestKind, id int, cf string) ([]proxmox.RRDSample, error)
	NodeRRD(ctx context.Context, node, cf string) ([]proxmox.RRDSample, error)
	HAStatus(ctx context.Context) ([]proxmox.HAResource, error)
}

// Builder assembles an immutable Cluster from one API sweep.
type Builder struct {
	api    API
	cfg    *config.Config
	logger *zap.Logger

	// extraMaintenance holds node names drained via the CLI on top of the
	// configured maintenance list.
	extraMaintenance []string
}

// New creates a Builder.
func New(api API, cfg *config.Config, logger *zap.Logger) *Builder {
	return &Builder{
		api:    api,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "inventory")),
	}
}

// WithMaintenance adds ad-hoc maintenance nodes for this run.
func (b *Builder) WithMaintenance(nodes ...string) *Builder {
	b.extraMaintenance = append(b.extraMaintenance, nodes...)
	return b
}

// Build fetches nodes and guests, normalizes units, applies node filters and
// backfills derived totals. The returned Cluster is read-only afterwards.
func (b *Builder) Build(ctx context.Context) (*domain.Cluster, error) {
	apiNodes, err := b.api.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	haMaintenance, err := b.haMaintenanceNodes(ctx)
	if err != nil {
		return nil, err
	}

	cluster := &domain.Cluster{
		Nodes:  make(map[string]*domain.Node),
		Guests: make(map[int]*domain.Guest),
	}

	for _, n := range apiNodes {
		if b.ignored(n.Node) {
			b.logger.Info("Node ignored by configuration", zap.String("node", n.Node))
			continue
		}
		if n.Status != "online" {
			b.logger.Warn("Node offline, excluding from cycle", zap.String("node", n.Node))
			continue
		}

		node := &domain.Node{
			Name:       n.Node,
			Online:     true,
			CPUTotal:   float64(n.MaxCPU),
			CPUUsed:    float64(n.CPU) * float64(n.MaxCPU),
			MemTotal:   int64(n.MaxMem),
			MemUsed:    int64(n.Mem),
			DiskTotal:  int64(n.MaxDisk),
			DiskUsed:   int64(n.Disk),
			MemReserve: b.cfg.Balancing.ReserveBytes(n.Node),
		}

		if b.maintenance(n.Node) || haMaintenance[n.Node] {
			node.Maintenance = true
			b.logger.Info("Node in maintenance mode", zap.String("node", n.Node))
		}

		version, err := b.api.NodeVersion(ctx, n.Node)
		if err != nil {
			return nil, err
		}
		node.PVEMajor = version.Major()
		if cluster.MinPVEMajor == 0 || node.PVEMajor < cluster.MinPVEMajor {
			cluster.MinPVEMajor = node.PVEMajor
		}

		cluster.Nodes[n.Node] = node
	}

	if len(cluster.Nodes) == 0 {
		return nil, &domain.InventoryError{Subject: "cluster", Reason: "no usable nodes"}
	}

	psiMode := b.cfg.Balancing.ModeValue() == domain.ModePSI
	if psiMode && cluster.MinPVEMajor < 9 {
		return nil, &domain.InventoryError{
			Subject: "cluster",
			Reason:  fmt.Sprintf("psi mode requires hypervisor major 9, cluster minimum is %d", cluster.MinPVEMajor),
		}
	}

	for _, name := range cluster.NodeNames() {
		if psiMode {
			pressure, err := b.nodePressure(ctx, name)
			if err != nil {
				return nil, err
			}
			cluster.Nodes[name].Pressure = pressure
		}
		if err := b.buildGuests(ctx, cluster, name, psiMode); err != nil {
			return nil, err
		}
	}

	b.backfillAssigned(cluster)

	if err := validate(cluster); err != nil {
		return nil, err
	}
	return cluster, nil
}

func (b *Builder) buildGuests(ctx context.Context, cluster *domain.Cluster, node string, psiMode bool) error {
	for _, kind := range []domain.GuestKind{domain.GuestVM, domain.GuestCT} {
		listing, err := b.api.ListGuests(ctx, node, kind)
		if err != nil {
			return err
		}
		for _, gs := range listing {
			guest, err := b.buildGuest(ctx, node, kind, gs, psiMode)
			if err != nil {
				return err
			}
			if prev, dup := cluster.Guests[guest.ID]; dup {
				return &domain.InventoryError{
					Subject: fmt.Sprintf("guest %d", guest.ID),
					Reason:  fmt.Sprintf("duplicate id on nodes %s and %s", prev.Node, guest.Node),
				}
			}
			cluster.Guests[guest.ID] = guest
		}
	}
	return nil
}

func (b *Builder) buildGuest(ctx context.Context, node string, kind domain.GuestKind, gs proxmox.GuestStatus, psiMode bool) (*domain.Guest, error) {
	guest := &domain.Guest{
		ID:           int(gs.VMID),
		Kind:         kind,
		Name:         gs.Name,
		Node:         node,
		Running:      gs.Status == "running",
		CPUCores:     int(gs.CPUs),
		MemAssigned:  int64(gs.MaxMem),
		MemUsed:      int64(gs.Mem),
		DiskAssigned: int64(gs.MaxDisk),
		DiskUsed:     int64(gs.Disk),
		Locked:       gs.Lock != "",
	}

	cfg, err := b.api.GuestConfig(ctx, node, kind, guest.ID)
	if err != nil {
		return nil, err
	}
	if cfg.Lock != "" {
		guest.Locked = true
	}
	guest.Tags = splitTags(firstNonEmpty(cfg.Tags, gs.Tags))
	guest.Disks = convertDisks(cfg.DiskSlots())

	if guest.Running {
		used, err := b.meanCPU(ctx, node, kind, guest.ID)
		if err != nil {
			return nil, err
		}
		// A running guest reporting zero is usually a stale series right
		// after a fresh sweep; fetch once more before trusting it.
		if used == 0 {
			if used, err = b.meanCPU(ctx, node, kind, guest.ID); err != nil {
				return nil, err
			}
		}
		guest.CPUUsed = used * float64(guest.CPUCores)
	}

	if psiMode && guest.Running {
		pressure, err := b.guestPressure(ctx, node, kind, guest.ID)
		if err != nil {
			return nil, err
		}
		guest.Pressure = pressure
	}

	return guest, nil
}

// meanCPU returns the 60-minute mean CPU usage as a fraction of the guest's
// assigned cores.
func (b *Builder) meanCPU(ctx context.Context, node string, kind domain.GuestKind, id int) (float64, error) {
	samples, err := b.api.GuestRRD(ctx, node, kind, id, "AVERAGE")
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s.CPU)
	}
	return sum / float64(len(samples)), nil
}

func (b *Builder) guestPressure(ctx context.Context, node string, kind domain.GuestKind, id int) (map[domain.Dimension]domain.Pressure, error) {
	avg, err := b.api.GuestRRD(ctx, node, kind, id, "AVERAGE")
	if err != nil {
		return nil, err
	}
	peak, err := b.api.GuestRRD(ctx, node, kind, id, "MAX")
	if err != nil {
		return nil, err
	}
	return pressureFromSamples(avg, peak), nil
}

func (b *Builder) nodePressure(ctx context.Context, node string) (map[domain.Dimension]domain.Pressure, error) {
	avg, err := b.api.NodeRRD(ctx, node, "AVERAGE")
	if err != nil {
		return nil, err
	}
	peak, err := b.api.NodeRRD(ctx, node, "MAX")
	if err != nil {
		return nil, err
	}
	return pressureFromSamples(avg, peak), nil
}

// pressureFromSamples averages some/full over the window and takes the
// highest full value of the last six peak samples as the spike component.
func pressureFromSamples(avg, peak []proxmox.RRDSample) map[domain.Dimension]domain.Pressure {
	out := make(map[domain.Dimension]domain.Pressure, 3)
	for _, dim := range []domain.Dimension{domain.DimensionCPU, domain.DimensionMemory, domain.DimensionDisk} {
		var p domain.Pressure
		if len(avg) > 0 {
			var some, full float64
			for _, s := range avg {
				some += s.PressureSome(string(dim))
				full += s.PressureFull(string(dim))
			}
			p.Some = some / float64(len(avg))
			p.Full = full / float64(len(avg))
		}
		tail := peak
		if len(tail) > 6 {
			tail = tail[len(tail)-6:]
		}
		for _, s := range tail {
			if v := s.PressureFull(string(dim)); v > p.Spikes {
				p.Spikes = v
			}
		}
		out[dim] = p
	}
	return out
}

// backfillAssigned derives per-node assigned totals from guest sums.
func (b *Builder) backfillAssigned(cluster *domain.Cluster) {
	for _, g := range cluster.Guests {
		node := cluster.Nodes[g.Node]
		if node == nil {
			continue
		}
		node.CPUAssigned += float64(g.CPUCores)
		node.MemAssigned += g.MemAssigned
		node.DiskAssigned += g.DiskAssigned
	}
}

func (b *Builder) haMaintenanceNodes(ctx context.Context) (map[string]bool, error) {
	status, err := b.api.HAStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, res := range status {
		if res.Node != "" && strings.Contains(res.Status, "maintenance") {
			out[res.Node] = true
		}
	}
	return out, nil
}

func (b *Builder) ignored(node string) bool {
	for _, n := range b.cfg.ProxmoxCluster.IgnoreNodes {
		if n == node {
			return true
		}
	}
	return false
}

func (b *Builder) maintenance(node string) bool {
	for _, n := range b.cfg.ProxmoxCluster.MaintenanceNodes {
		if n == node {
			return true
		}
	}
	for _, n := range b.extraMaintenance {
		if n == node {
			return true
		}
	}
	return false
}

func validate(cluster *domain.Cluster) error {
	for name, n := range cluster.Nodes {
		if n.CPUTotal <= 0 || n.MemTotal <= 0 || n.DiskTotal <= 0 {
			return &domain.InventoryError{Subject: "node " + name, Reason: "non-positive capacity"}
		}
		if n.CPUUsed < 0 || n.MemUsed < 0 || n.DiskUsed < 0 {
			return &domain.InventoryError{Subject: "node " + name, Reason: "negative usage"}
		}
	}
	for id, g := range cluster.Guests {
		if g.Kind != domain.GuestVM && g.Kind != domain.GuestCT {
			return &domain.InventoryError{Subject: fmt.Sprintf("guest %d", id), Reason: fmt.Sprintf("unknown kind %q", g.Kind)}
		}
		if cluster.Nodes[g.Node] == nil {
			return &domain.InventoryError{Subject: fmt.Sprintf("guest %d", id), Reason: fmt.Sprintf("unknown node %q", g.Node)}
		}
		if g.CPUUsed < 0 || g.MemUsed < 0 || g.DiskUsed < 0 || g.MemAssigned < 0 || g.DiskAssigned < 0 {
			return &domain.InventoryError{Subject: fmt.Sprintf("guest %d", id), Reason: "negative resource value"}
		}
	}
	return nil
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ','
	})
	tags := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			tags = append(tags, f)
		}
	}
	return tags
}

func convertDisks(slots []proxmox.DiskSlot) []domain.Disk {
	if len(slots) == 0 {
		return nil
	}
	disks := make([]domain.Disk, 0, len(slots))
	for _, slot := range slots {
		disks = append(disks, domain.Disk{
			Name:   slot.Key,
			Type:   diskType(slot.Bus),
			Shared: slot.Shared,
		})
	}
	return disks
}

func diskType(bus string) domain.DiskType {
	switch bus {
	case "ide":
		return domain.DiskIDE
	case "scsi":
		return domain.DiskSCSI
	case "virtio":
		return domain.DiskVirtIO
	case "sata":
		return domain.DiskSATA
	case "nvme":
		return domain.DiskNVMe
	case "rootfs", "mp":
		return domain.DiskRootFS
	}
	return domain.DiskType(bus)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
