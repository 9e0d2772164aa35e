// Package core provides the operator-facing services of the ingestion pipeline.
//
// This package ties the pipeline stages together behind one [Service]. It is
// used by the HTTP API, the scheduler and tests without modification and
// contains no transport code.
//
// # Architecture
//
// The Service is built from a [store.Store] and a [storage.Storage]:
//
//   - Discovery, processing, moving, archiving and reprocessing of landed files
//     (package ingest).
//   - Mapping suggestion, approval, preview and coverage (package mapping).
//   - Rule maintenance and watermarked transform batches (packages rules and
//     transform).
//   - Declarative catalog files (package catalog).
//
// # Scheduling
//
// [Service.RegisterJobs] adds one cron job per stage to a [Scheduler]. Jobs
// never overlap themselves and share a [JobLimiter] with operator-triggered
// runs. Jobs can be listed, suspended, resumed and run on demand.
//
//	sched := core.NewScheduler(core.NewJobLimiter(4, 10*time.Second), logger)
//	if err := svc.RegisterJobs(sched, core.Schedules{
//	    Discover:  "@every 1m",
//	    Process:   "@every 1m",
//	    Move:      "@every 5m",
//	    Archive:   "@daily",
//	    Transform: "*/15 * * * *",
//	}); err != nil {
//	    return err
//	}
//	sched.Start(ctx)
//
// # Error Handling
//
// Technical errors are mapped to operator-facing messages using [MapError].
// Each category has a code prefix for support reference:
//
//   - DB001-DB007: Database errors (duplicates, connections, not found)
//   - FILE001-FILE008: File errors (size, encoding, format)
//   - MAP001-MAP004: Mapping errors (expressions, mapping tables)
//   - RULE001-RULE003: Rule errors (operations, predicates, parameters)
//   - SCH001: Schema errors
//   - BAT001-BAT002: Batch errors
//   - JOB001-JOB003: Job errors
//
// Failed files carry the code as the prefix of their error message.
//
// # Audit Logging
//
// Every operator control is recorded in the audit log with a severity:
//
//   - Low: Discovery and mapping suggestions
//   - Medium: Processing, moves, single approvals, rule and job control
//   - High: Archiving, reprocessing, bulk approvals, transform runs
//   - Critical: Schema changes and catalog applies
//
// Scheduled ticks are logged but not audited.
package core
