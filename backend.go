package control

// Backend is the configuration layer the control server hands requests to.
// All methods are called on the server's event loop goroutine, one at a
// time, so implementations need no locking on behalf of the server.
type Backend interface {
	// RequestAdd applies a JSON session configuration document.
	// A nil error means every session in the document was applied.
	RequestAdd(config []byte) error
	// RequestDel removes the sessions named by a JSON configuration document.
	RequestDel(config []byte) error
	// Response renders the JSON body of a reply. errText is empty for
	// successful replies.
	Response(status, errText string) ([]byte, error)
}
