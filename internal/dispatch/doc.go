// Package dispatch multiplexes a changing set of listening sockets on one
// epoll instance.
//
// Ownership boundary:
// - the epoll descriptor and its wake eventfd
// - fd -> Handler routing
// - accepting one connection per ready socket and serving it synchronously
//
// The engine never owns listening sockets. Callers deregister before they
// close a descriptor.
package dispatch
