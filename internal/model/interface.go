package model

// EventSink receives input and output events. Implementations stamp the
// event and serialize concurrent appends.
type EventSink interface {
	Append(kind EventKind, text string) (Event, error)
}

// SampleSink receives resource samples from a single sampler.
type SampleSink interface {
	AppendSample(sample ResourceSample) (ResourceSample, error)
}
