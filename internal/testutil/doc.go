// Package testutil provides shared test utilities for crowdqc.
//
// # Fixtures
//
// The fixtures.go file builds platform records without hand-writing maps:
//
//   - Answer(noObjects, regions...) - detection output values
//   - Vote(label) - verification output values
//   - Control, Payable, VerificationTask - micro-tasks
//   - Detection, Verification, Votes - assignments built from Solve steps
//   - PassingDetection(id, worker, images...) - a suite whose control task passes
//
// # Assertions
//
// The assertions.go file inspects a platform.MockClient:
//
//   - AssertAccepted, AssertRejected, AssertRestricted - decision calls in order
//   - AssertNoDecisions - nothing was decided
//   - AssertStatus - stored assignment status
//   - CreatedTasks - every task sent to CreateTasks
//
// # Usage
//
//	func TestSomething(t *testing.T) {
//	    client := platform.NewMockClient()
//	    client.AddAssignments(testutil.PassingDetection("a1", "w1", "1.jpg", "2.jpg"))
//	    // ... run a cycle with testutil.CycleContext(t) ...
//	    testutil.AssertNoDecisions(t, client)
//	}
package testutil
