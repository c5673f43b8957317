package notify

import "cyclebuild/buildlog"

// LogSink routes reports into the cycle's build log instead of (or
// alongside) an external channel — the minimal always-available sink.
type LogSink struct {
	Logger *buildlog.Logger
}

func (s LogSink) Notify(r Report) error {
	s.Logger.Errorf("%s: %s", r.Title(), r.Body())
	return nil
}
