// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing users to plug
// any structured logger. It also offers a richer MeshLogger with contextual
// helpers (node, agent, component) and domain specific logging helpers for
// task execution, message delivery and consensus rounds.
package logging
