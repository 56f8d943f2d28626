// Package lifecycle plays the role of the browser runtime for one site: it
// registers worker versions, drives them through install and activation,
// keeps track of which version is active or waiting, and dispatches fetches
// and control messages to the right version.
package lifecycle
