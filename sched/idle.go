package sched

// IdlePeriod is the decounting budget the idle loop spins through between
// each "still idle" diagnostic, mirroring GIET_IDLE_TASK_PERIOD.
const IdlePeriod = 1 << 24

// IdleLoop runs until stop is closed, emitting a diagnostic every
// IdlePeriod iterations so a wedged processor is observable (§4.5: "an
// infinite loop that counts down a large constant and emits a 'still idle'
// diagnostic"). report takes no arguments: the caller's closure already
// knows the (x,y,p) coordinates, since IdleLoop does not know its own
// processor identity.
func IdleLoop(report func(), stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		for i := 0; i < IdlePeriod; i++ {
		}
		report()
	}
}
