// Package identity resolves the acting principal for inbound realtime connections.
//
// Tokens are issued by the external account service; this package only verifies them.
package identity
