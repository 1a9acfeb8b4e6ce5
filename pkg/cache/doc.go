// Package cache implements the multi-tier response cache that sits in front
// of LLM-derived computations in the conversational pipeline.
//
// Three tiers back the cache: a bounded in-process LRU (L1), a shared Redis
// store (L2), and a persistent Postgres/pgvector semantic store (L3) that
// matches paraphrased inputs by embedding similarity. The Coordinator walks
// the tiers in order, backfills faster tiers on slower hits, and guards
// fresh computes with a per-key stampede lock. Tier failures degrade the
// lookup to the next tier; they never fail the caller's request.
//
// Entries expire by TTL class assigned at write time and are never extended
// by reads. Subject state transitions purge affected entries through the
// InvalidationBus; semantic records are soft-deleted so they can be audited
// and revived by a later compute.
package cache
