// Package triage is the decision core: it normalizes raw provider
// analyses into structured decisions, applies the escalation policy,
// and orchestrates sessions, the evidence ledger, and dispatch.
package triage
