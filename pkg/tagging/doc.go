// Package tagging implements tag filter expressions, wildcard tag selection,
// and the event loop guard that keeps a task from re-triggering itself
// through its own tag writes.
//
// # Tag filters
//
// A tag filter is a boolean expression over a resource's tags:
//
//	Backup=true                 key equals value
//	Backup                      key exists
//	env=prod*,env=staging       OR of terms
//	Backup=true+!Skip           AND with negation
//	(Team=a|Team=b)&Owner!=bob  grouping and not-equals
//
// Parse once with ParseExpression and reuse the result for every resource.
//
// The characters , | + & ! ( ) = and \ are operators. A key or value that
// contains one must escape it with a backslash: Email=a\+b@example.com.
// Unescaped, "Email=a+b@example.com" is the AND of Email=a and the existence
// of a key named b@example.com; Expression.Warnings reports such splits.
// Values holding an unescaped '=', '!' or '(' fail to parse.
//
// # Event loop guard
//
// Actions that write tags to resources a task also reacts to must route
// their writes through a GuardedWriter. The writer reads the resource's
// tags at write time and drops the write when the resulting tag state
// would start the same task again.
package tagging
