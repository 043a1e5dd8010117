package config

import "time"

// Timeout constants
const (
	// HTTP timeouts
	DefaultHTTPTimeout    = 60 * time.Second
	ServerShutdownTimeout = 30 * time.Second
	WorkerShutdownTimeout = 30 * time.Second

	// Database timeouts
	DatabaseConnMaxLifetime = 5 * time.Minute

	// Session timeouts
	SessionMaxAge = 7 * 24 * time.Hour // 7 days

	// Planning timeouts
	DefaultLLMTimeout            = 15 * time.Second
	DefaultPlanningOuterDeadline = 30 * time.Second

	// Worker timeouts
	WorkerCheckInterval   = 30 * time.Second
	WorkerTriggerThrottle = 5 * time.Second
)

// Planner defaults
var DefaultPoolLadder = []int{80, 160, 320}

const (
	DefaultRecencyWindowSessions      = 3
	DefaultColdStartMinPairs          = 5
	DefaultCoverageTargetPairs        = 3
	DefaultReadinessTargetItems       = 2
	DefaultMaxPromptCandidatesPerBand = 40
	DefaultReasoningMaxTokens         = 4096
)

// Session configuration constants
const (
	SessionPath     = "/"
	SessionHTTPOnly = true
	SessionSecure   = false // Set to true in production with HTTPS

	SessionName = "pack-planner-session"
)

// Security configuration constants
const (
	// Content Security Policy
	DefaultCSP = "default-src 'none'; frame-ancestors 'none'"
)
