// Package credentials resolves cross-account sessions.
//
// Tasks name the accounts they run in and, optionally, the role ARNs to
// assume there. The Resolver matches role ARNs to accounts by parsing them,
// falls back to a default role name, and verifies the assumed credentials
// before handing out a session. Accounts where no role can be assumed
// resolve to a nil session so the dispatcher can skip them.
package credentials
