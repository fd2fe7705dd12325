package progress

import (
	"context"
	"fmt"
	"time"
)

// ExampleSinkFunc tallies detected changes by kind with an inline sink.
func ExampleSinkFunc() {
	kinds := map[string]int{}
	tally := SinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageChangeDetected {
				kinds[evt.Kind]++
			}
		}
		return nil
	})
	hub := NewHub(Config{BufferSize: 2, MaxBatchEvents: 1, MaxBatchWait: time.Second}, tally)

	hub.Emit(Event{SiteID: "site-1", Stage: StageCheckStart, Site: "example.com"})
	hub.Emit(Event{SiteID: "site-1", Stage: StageChangeDetected, Site: "example.com", Kind: "dns"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("dns changes: %d, events flushed: %d\n", kinds["dns"], hub.Stats().Flushed)
	// Output:
	// dns changes: 1, events flushed: 2
}
