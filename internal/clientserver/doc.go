// Package clientserver implements the client-facing RESP-style text
// protocol: a TCP listener that accepts GET/SET/DEL commands, submits
// them to the consensus core, and redirects clients away from non-leader
// nodes.
package clientserver
