// Package domain defines the reconciliation model shared by every engine: presence records,
// timesheets, import jobs, coherence issues, sync conflicts, tenant policies and the gateway
// interfaces the persistence layer implements.
package domain
