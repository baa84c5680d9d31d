package mfs

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weberc2/mfs/pkg/alloc"
	"github.com/weberc2/mfs/pkg/journal"
	"github.com/weberc2/mfs/pkg/security"
)

const metricsNamespace = "mfs"

// Metrics observes the journal, the allocator and the security checker.
// Allocation counts only include committed transactions.
type Metrics struct {
	TransactionsCommitted  prometheus.Counter
	TransactionsRolledBack prometheus.Counter
	JournalEntries         prometheus.Counter
	ReplayedTransactions   prometheus.Counter
	AllocatedBlocks        prometheus.Counter
	FreedBlocks            prometheus.Counter
	FragmentedAllocations  prometheus.Counter
	PermissionDenials      *prometheus.CounterVec
	FreeBlocks             prometheus.Gauge
	FreeInodes             prometheus.Gauge
	ReadOnly               prometheus.Gauge
}

var (
	_ journal.Observer  = (*Metrics)(nil)
	_ alloc.Observer    = (*Metrics)(nil)
	_ security.Observer = (*Metrics)(nil)
)

// NewMetrics creates the collectors and registers them with `reg` unless it
// is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		})
	}

	m := Metrics{
		TransactionsCommitted: counter(
			"transactions_committed_total",
			"Transactions committed through the journal.",
		),
		TransactionsRolledBack: counter(
			"transactions_rolled_back_total",
			"Transactions rolled back without effect.",
		),
		JournalEntries: counter(
			"journal_entries_total",
			"Journal entries written by committed transactions.",
		),
		ReplayedTransactions: counter(
			"replayed_transactions_total",
			"Committed transactions replayed by recovery.",
		),
		AllocatedBlocks: counter(
			"blocks_allocated_total",
			"Blocks allocated by committed transactions.",
		),
		FreedBlocks: counter(
			"blocks_freed_total",
			"Blocks freed by committed transactions.",
		),
		FragmentedAllocations: counter(
			"fragmented_allocations_total",
			"Consecutive allocations that had to be split into several runs.",
		),
		PermissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "permission_denials_total",
				Help:      "Operations denied by permission checks.",
			},
			[]string{"op"},
		),
		FreeBlocks: gauge("free_blocks", "Free data blocks."),
		FreeInodes: gauge("free_inodes", "Free inodes."),
		ReadOnly: gauge(
			"read_only",
			"1 while the filesystem is mounted read-only.",
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.TransactionsCommitted,
			m.TransactionsRolledBack,
			m.JournalEntries,
			m.ReplayedTransactions,
			m.AllocatedBlocks,
			m.FreedBlocks,
			m.FragmentedAllocations,
			m.PermissionDenials,
			m.FreeBlocks,
			m.FreeInodes,
			m.ReadOnly,
		)
	}
	return &m
}

func (m *Metrics) Committed(entries int) {
	m.TransactionsCommitted.Inc()
	m.JournalEntries.Add(float64(entries))
}

func (m *Metrics) RolledBack() { m.TransactionsRolledBack.Inc() }

func (m *Metrics) Replayed(txns, entries int) {
	m.ReplayedTransactions.Add(float64(txns))
}

func (m *Metrics) BlocksAllocated(n int) { m.AllocatedBlocks.Add(float64(n)) }

func (m *Metrics) BlocksFreed(n int) { m.FreedBlocks.Add(float64(n)) }

func (m *Metrics) Fragmented() { m.FragmentedAllocations.Inc() }

func (m *Metrics) Denied(op security.Op) {
	m.PermissionDenials.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) setFree(blocks, inodes uint64) {
	m.FreeBlocks.Set(float64(blocks))
	m.FreeInodes.Set(float64(inodes))
}

func (m *Metrics) setReadOnly(readOnly bool) {
	if readOnly {
		m.ReadOnly.Set(1)
	} else {
		m.ReadOnly.Set(0)
	}
}
