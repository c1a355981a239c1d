package env

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics is a point-in-time snapshot of the engine counters.
type Metrics struct {
	JournalBytes uint64

	CacheHits      uint64
	CacheMisses    uint64
	PagesAllocated uint64
	PagesFreed     uint64
	PageFlushes    uint64

	TxnCommits   uint64
	TxnAborts    uint64
	TxnConflicts uint64

	CurrentLsn uint64
}

// Metrics returns the current counter snapshot.
func (e *Env) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.pm.Stats()
	m := Metrics{
		CacheHits:      stats.CacheHits.Load(),
		CacheMisses:    stats.CacheMisses.Load(),
		PagesAllocated: stats.PagesAllocated.Load(),
		PagesFreed:     stats.PagesFreed.Load(),
		PageFlushes:    stats.PageFlushes.Load(),
		TxnCommits:     e.txnCommits.Load(),
		TxnAborts:      e.txnAborts.Load(),
		TxnConflicts:   e.txnConflicts.Load(),
		CurrentLsn:     e.lsn,
	}
	if e.jrn != nil {
		m.JournalBytes = e.jrn.Size()
	}
	return m
}

// RegisterMetrics publishes the engine counters on an OpenTelemetry
// meter. The returned registration can be unregistered at shutdown.
func (e *Env) RegisterMetrics(meter metric.Meter) (metric.Registration, error) {
	cacheHits, err := meter.Int64ObservableCounter("caldera.cache.hits")
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64ObservableCounter("caldera.cache.misses")
	if err != nil {
		return nil, err
	}
	pageFlushes, err := meter.Int64ObservableCounter("caldera.pages.flushes")
	if err != nil {
		return nil, err
	}
	pagesAllocated, err := meter.Int64ObservableCounter("caldera.pages.allocated")
	if err != nil {
		return nil, err
	}
	txnCommits, err := meter.Int64ObservableCounter("caldera.txn.commits")
	if err != nil {
		return nil, err
	}
	txnAborts, err := meter.Int64ObservableCounter("caldera.txn.aborts")
	if err != nil {
		return nil, err
	}
	txnConflicts, err := meter.Int64ObservableCounter("caldera.txn.conflicts")
	if err != nil {
		return nil, err
	}
	journalBytes, err := meter.Int64ObservableGauge("caldera.journal.bytes")
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		m := e.Metrics()
		o.ObserveInt64(cacheHits, int64(m.CacheHits))
		o.ObserveInt64(cacheMisses, int64(m.CacheMisses))
		o.ObserveInt64(pageFlushes, int64(m.PageFlushes))
		o.ObserveInt64(pagesAllocated, int64(m.PagesAllocated))
		o.ObserveInt64(txnCommits, int64(m.TxnCommits))
		o.ObserveInt64(txnAborts, int64(m.TxnAborts))
		o.ObserveInt64(txnConflicts, int64(m.TxnConflicts))
		o.ObserveInt64(journalBytes, int64(m.JournalBytes))
		return nil
	}, cacheHits, cacheMisses, pageFlushes, pagesAllocated,
		txnCommits, txnAborts, txnConflicts, journalBytes)
}
