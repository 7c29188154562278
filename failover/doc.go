// Package failover selects which (model, credential) pair serves the next
// language-model call and reacts to call outcomes. Credentials live in a
// lock-protected pool with per-profile failure counts and cooldowns that grow
// exponentially with consecutive failures; fallback chains order the
// (provider, model) pairs tried within a single turn.
package failover
