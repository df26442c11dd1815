package stream

// StubDecoder is a deterministic reference Decoder used for tests and
// for running the pipeline without a real media-decode library loaded
// — the frame-source counterpart to internal/inference.StubEngine,
// the reference decode library being treated as a black box the same
// way the reference model is.
type StubDecoder struct {
	// Probed is returned verbatim by every call to Probe.
	Probed Info
}

func (d *StubDecoder) Probe(string) (Info, error) {
	return d.Probed, nil
}

func (d *StubDecoder) NextFrame(_ string, frameNumber int) ([]byte, error) {
	return []byte{byte(frameNumber)}, nil
}
