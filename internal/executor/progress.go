package executor

// ProgressSink receives run progress. Calls come from the run goroutine and
// must not block for long.
type ProgressSink interface {
	OnTileStart(index, total int)
	OnTileDone(index, total int)
	OnStatus(text string)
}

// NopSink discards progress.
type NopSink struct{}

func (NopSink) OnTileStart(int, int) {}
func (NopSink) OnTileDone(int, int)  {}
func (NopSink) OnStatus(string)      {}
