// Package game defines the Digital Ghost domain model: games, sessions,
// patients, ghosts, print abilities, color fragments, communication links,
// timeline entries, and the state deltas that describe mutations to them.
//
// Values in this package are passive snapshots. All mutation flows through
// the engine dispatcher, which applies Delta descriptions atomically via a
// storage backend; nothing here holds live references to shared state.
package game
