// Package sessions wraps the sessions.list, sessions.patch and
// sessions.delete RPCs.
//
// Callers always pass bare keys such as "main" or "work-notes"; the Catalog
// adds the agent:main: namespace on the way out and strips it on the way
// back. The main session is reserved: it is displayed as "General" and can
// never be deleted.
package sessions
