// Package errors provides structured, actionable error messages for the
// slated command.
//
// Configuration and startup problems are reported as *Error values that
// carry a stable code, a category, a plain-language explanation and a hint
// on how to fix the problem.
//
// # Error Categories
//
//   - config: configuration file and value errors (E100-E139)
//   - store: document store backend errors (E140-E159)
//   - cli: command line and server startup errors (E200-E229)
//
// # Usage
//
//	err := errors.New("E101").
//	    WithDetail(`store.driver "mongo" is not supported`).
//	    WithSuggestion("Use one of: memory, redis, sql, s3")
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR E101: Unknown store driver
//	//
//	//   store.driver "mongo" is not supported
//	//
//	//   Hint: Use one of: memory, redis, sql, s3
package errors
