// Package identity defines the closed set of workers the relay acts for.
// The whitelist is compile-time: membership changes require a rebuild.
package identity

// Apex is the privileged identity. It authorizes every other worker, is
// never gated, never rate-limited, and never marked busy.
const Apex = "Apex"

// workers is the closed whitelist of dispatchable identities. Apex is a
// member (it can own a wallet) but can never be spawned.
var workers = map[string]bool{
	Apex:     true,
	"vega":   true,
	"lyra":   true,
	"orion":  true,
	"rigel":  true,
	"altair": true,
	"castor": true,
}

// Whitelisted reports whether name is a known worker.
func Whitelisted(name string) bool {
	return workers[name]
}

// IsApex reports whether name is the apex identity.
func IsApex(name string) bool {
	return name == Apex
}

// Dispatchable returns the whitelist minus Apex, in no particular order.
func Dispatchable() []string {
	out := make([]string, 0, len(workers)-1)
	for name := range workers {
		if name != Apex {
			out = append(out, name)
		}
	}
	return out
}

// Role labels a busy worker with its job class. Manager roles carry a
// heartbeat obligation; health roles get cross-worker read visibility.
type Role string

const (
	RoleTrader  Role = "trader"
	RoleManager Role = "manager"
	RoleScanner Role = "scanner"
	RoleHealth  Role = "health"
	RoleContent Role = "content"
	RoleCounsel Role = "counsel"
	RoleScout   Role = "scout"
)

// roleForJob maps caller-requested job types onto registry roles. Unknown
// job types fall back to trader.
var roleForJob = map[string]Role{
	"scanner":            RoleScanner,
	"trader":             RoleTrader,
	"manager":            RoleManager,
	"health":             RoleHealth,
	"health_monitor":     RoleHealth,
	"content_manager":    RoleContent,
	"news_reporter":      RoleContent,
	"compliance_counsel": RoleCounsel,
	"compliance":         RoleCounsel,
	"scout":              RoleScout,
	"vessel_scout":       RoleScout,
	"intelligence_scout": RoleScout,
	"general":            RoleTrader,
}

// RoleForJob resolves a job type to its availability-registry role.
func RoleForJob(jobType string) Role {
	if r, ok := roleForJob[jobType]; ok {
		return r
	}
	return RoleTrader
}

// HealthJob reports whether a job type grants cross-worker read access.
func HealthJob(jobType string) bool {
	return roleForJob[jobType] == RoleHealth
}
