// Package app is the composition root of the client core.
//
// It is not a business logic layer. It builds, in order:
//
//	storage        session persistence (file, memory or redis)
//	auth gateway   anonymous gateway used only for the auth endpoints
//	session        the Session Store, backed by storage and the auth service
//	gateway        authenticated gateway; token source and 401 hook are the store
//	realtime       STOMP channel presenting the store's token on connect
//	chat           history over the gateway, live messages over realtime
//
// Every consumer receives its dependencies explicitly, so several
// Applications can run side by side in one process.
package app
