/*
Package storage provides BoltDB-backed state persistence for labfleet.

The Store interface is implemented by BoltStore on a single bbolt file,
with one bucket per entity type and JSON document values:

	workers          worker projections, keyed by worker id
	lab_records      lab snapshots, keyed by "<worker_id>/<lab_id>"
	system_settings  single settings document under a fixed key
	jobs             serialized scheduler jobs, keyed by job id

Create and Update share upsert semantics, deletes are idempotent, and
secondary lookups (instance id, status, region) are in-memory filters over
a bucket scan; the fleet is small enough that materialized indexes are not
worth the write amplification. Lab records exploit the bbolt cursor with a
key prefix so a per-worker listing does not scan the whole bucket.

Writes are last-write-wins on updated_at. Callers needing read-modify-write
consistency do it within a single command handler; there is no cross-handler
locking.
*/
package storage
