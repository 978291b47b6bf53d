// Package taskmesh provides a cross-device task coordination layer: a central
// coordinator that lets heterogeneous client devices (phones, desktop agents,
// cloud workers) register, advertise capabilities, and receive tasks dispatched
// with ordering, retry, and partial-failure guarantees.
//
// Devices and the coordinator exchange AIP envelopes (register, heartbeat,
// command, response, status) over a persistent WebSocket connection, with a
// plain HTTP request/response transport as a fallback for devices that cannot
// hold a connection open. State updates that arrive out of order from
// uncoordinated peers are reconciled with vector clocks.
//
// # Basic Usage
//
// Start a coordinator and expose its transports:
//
//	c, err := taskmesh.New(taskmesh.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c.Start()
//	defer c.Stop()
//
//	mux := http.NewServeMux()
//	mux.Handle("/aip/v1/ws", taskmesh.NewWSTransport(c.Gateway(), taskmesh.DefaultWSConfig()).Handler())
//	taskmesh.NewHTTPTransport(c.Gateway()).Register(mux)
//
// Submit a task and wait for its terminal state:
//
//	id, err := c.SubmitTask(ctx, taskmesh.TaskSpec{
//	    Name:                 "capture",
//	    Action:               "camera.capture",
//	    RequiredCapabilities: []string{"camera"},
//	})
//	task, err := c.AwaitTask(ctx, id)
//
// On the device side, the Agent runs the other half of the protocol:
//
//	a, err := taskmesh.NewAgent(taskmesh.AgentConfig{ServerURL: "ws://host/aip/v1/ws", DeviceID: "phone-1"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	a.Handle("camera.capture", captureFunc)
//	a.Run(ctx)
//
// # Guarantees
//
//   - At-least-once command delivery with idempotent retries; never exactly-once.
//   - Per-device command ordering (single connection, single writer).
//   - Dependency-gated dispatch: a task runs only after every dependency completed.
//   - Failures stay local to the owning task and device record.
//
// Task history is held in memory only; the coordinator does not persist state
// across restarts.
package taskmesh
