package fleet

import "sync"

type subscription struct {
	ch   chan *Snapshot
	once sync.Once
}

// Subscribe registers a consumer of published snapshots. The channel holds
// at most buffer pending snapshots; when it is full the oldest pending one is
// replaced, so a slow consumer skips versions but never stalls the writer and
// always catches up with the latest state.
//
// The returned function cancels the subscription and closes the channel.
func (r *Reconciler) Subscribe(buffer int) (<-chan *Snapshot, func()) {
	if buffer <= 0 {
		buffer = 1
	}

	sub := &subscription{ch: make(chan *Snapshot, buffer)}

	r.subsMu.Lock()
	r.subs[sub] = struct{}{}
	r.subsMu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, sub)
			r.subsMu.Unlock()

			close(sub.ch)
		})
	}

	return sub.ch, cancel
}

// notify is called by the writer with the writer lock held
func (r *Reconciler) notify(snap *Snapshot) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	for sub := range r.subs {
		for sent := false; !sent; {
			select {
			case sub.ch <- snap:
				sent = true
			default:
				// full, drop the oldest pending snapshot
				select {
				case <-sub.ch:
				default:
				}
			}
		}
	}
}
