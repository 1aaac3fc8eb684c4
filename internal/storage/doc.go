// Package storage persists the automation snapshots.
//
// Every driver stores the same JSON documents:
//   - tasks        (array of Task)
//   - planned      (array of PlannedItem, the merged queue)
//   - logs         (array of TaskExecutionLog, most recent N)
//   - settings     ({"automation_enabled": bool})
//   - occurrences  (per task and date, pre-merge trace)
//
// The file driver lays them out as tasks.json, planned_queue.json,
// logs.json, settings.json and planned_tasks/<date>/<task_id>.json.
package storage
