package latestonlychannel

// Wrap pipes inputCh to a new output channel while guaranteeing that a
// send on inputCh never blocks on a slow receiver: when the receiver is
// not ready, newer values replace the one waiting to be delivered.  The
// updater publishes topology snapshots through this so a slow consumer can
// never stall a synchronization pass.  Close inputCh to release the pipe.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		var pending T
		havePending := false

		for {
			if !havePending {
				v, ok := <-inputCh
				if !ok {
					return
				}
				pending = v
				havePending = true
			}

			select {
			case outputCh <- pending:
				havePending = false
			case v, ok := <-inputCh:
				if !ok {
					return
				}
				// receiver still busy, keep only the newest value
				pending = v
			}
		}
	}()

	return outputCh
}
