package main

import "fmt"

// SecurityRejection marks a planned statement that was blocked before
// execution because it contained a mutating keyword. It is never retried
// or self-corrected.
type SecurityRejection struct {
	Keyword string
	SQL     string
}

func (e *SecurityRejection) Error() string {
	return fmt.Sprintf("security: only read statements are allowed (blocked keyword %q)", e.Keyword)
}

// DataSourceError wraps a query execution failure against one of the named
// data sources. Subject to the bounded self-correction policy.
type DataSourceError struct {
	Source string
	Err    error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("%s query error: %v", e.Source, e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

// OracleParseError reports that the reasoning model returned text from which
// no structured payload could be extracted. Callers fall back to a safe
// default instead of propagating it.
type OracleParseError struct {
	What string
	Raw  string
	Err  error
}

func (e *OracleParseError) Error() string {
	return fmt.Sprintf("parsing %s response: %v", e.What, e.Err)
}

func (e *OracleParseError) Unwrap() error { return e.Err }
