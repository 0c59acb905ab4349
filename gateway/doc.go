// Package gateway mediates every call to the external inference service.
//
// A request is turned into a prompt (personality preamble, current topic, a
// bounded window of recent memory and inbox messages), sent to a model.Model,
// and the reply is validated against a JSON schema. Validation failures and
// service errors are retried with exponential backoff; each attempt reissues
// the identical prompt and runs under its own timeout. Every request resolves
// into exactly one terminal Result: Validated, Failed or Cancelled.
//
// At most one request per agent may be in flight at a time.
package gateway
