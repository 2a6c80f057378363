package tokencount

import "testing"

func TestCounter_Estimate(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	tests := []struct {
		name    string
		body    string
		wantMin int
		wantMax int
	}{
		{
			name:    "empty body",
			body:    "",
			wantMin: 0,
			wantMax: 0,
		},
		{
			name:    "short json",
			body:    `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`,
			wantMin: 10,
			wantMax: 20,
		},
		{
			name:    "longer body scales up",
			body:    `{"model":"gpt-4o","messages":[{"role":"user","content":"Explain quantum computing in detail, covering superposition, entanglement, and decoherence."}]}`,
			wantMin: 30,
			wantMax: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := c.Estimate([]byte(tt.body))
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("Estimate() = %d, want [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestCounter_EstimateMonotonic(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	short := c.Estimate([]byte(`{"a":"b"}`))
	long := c.Estimate([]byte(`{"a":"` + string(make([]byte, 400)) + `"}`))
	if long <= short {
		t.Errorf("Estimate(long) = %d, want > Estimate(short) = %d", long, short)
	}
}
