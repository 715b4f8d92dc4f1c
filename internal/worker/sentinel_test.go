package worker

import "testing"

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		wantOK  bool
		wantErr bool
		want    Signal
	}{
		{ReadyLine(4242), true, false, Signal{Ready: true, PID: 4242}},
		{"BACKEND_WORKER_READY:4242\r\n", true, false, Signal{Ready: true, PID: 4242}},
		{FailedLine("bind: address in use"), true, false, Signal{Reason: "bind: address in use"}},
		{FailedLine("two\nlines"), true, false, Signal{Reason: "two lines"}},
		{"BACKEND_WORKER_READY:abc", true, true, Signal{}},
		{"BACKEND_WORKER_READY:-1", true, true, Signal{}},
		{"starting up...", false, false, Signal{}},
		{"", false, false, Signal{}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok, err := ParseLine(tt.line)
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("signal = %+v, want %+v", got, tt.want)
			}
		})
	}
}
