/*
Package types defines the core data structures shared by every other
package in the module: Operation, Worker, and Checkpoint, plus the
enumerations that drive the state machine and the checkpoint state shapes
for each operation type.
*/
package types
