package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigit_String(t *testing.T) {
	digits, err := ParseDigits("0123456789*#abcd")
	require.NoError(t, err)
	require.Len(t, digits, 16)
	for i, d := range digits {
		assert.Equal(t, Digit(i), d)
	}
	assert.Equal(t, "*", DigitStar.String())
	assert.Equal(t, "#", DigitPound.String())
	assert.Equal(t, "?", Digit(16).String())

	_, err = ParseDigits("12x")
	assert.Error(t, err)
}

func TestTelephoneEvent_Marshal(t *testing.T) {
	ev := TelephoneEvent{Event: Digit5, End: true, Volume: 10, Duration: 800}
	b := ev.Marshal()
	assert.Equal(t, []byte{0x05, 0x8a, 0x03, 0x20}, b)

	var got TelephoneEvent
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, ev, got)

	assert.Error(t, got.Unmarshal([]byte{1, 2}), "короткий payload")
	assert.Error(t, got.Unmarshal([]byte{20, 0, 0, 0}), "события вне DTMF")
}

func TestDTMFDecoder_SingleDigitPerTrain(t *testing.T) {
	enc := NewDTMFEncoder(101, 8000, 20*time.Millisecond)
	packets, err := enc.Packets(Digit7, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, packets, 4+3, "4 обновления и 3 конечных пакета")
	assert.True(t, packets[0].Marker)

	dec := NewDTMFDecoder(8000)
	var digits []DigitEvent
	for _, p := range packets {
		out, err := dec.Process(0x1234, 48000, p.Payload)
		require.NoError(t, err)
		digits = append(digits, out...)
	}
	// повтор всей серии тоже подавляется
	for _, p := range packets {
		out, err := dec.Process(0x1234, 48000, p.Payload)
		require.NoError(t, err)
		digits = append(digits, out...)
	}

	require.Len(t, digits, 1, "ровно одна цифра на серию")
	assert.Equal(t, Digit7, digits[0].Event)
	assert.Equal(t, 100, digits[0].DurationMs)
	assert.True(t, digits[0].End)

	_, ok := dec.Flush()
	assert.False(t, ok)
}

func TestDTMFDecoder_LostEndPackets(t *testing.T) {
	dec := NewDTMFDecoder(8000)

	update := TelephoneEvent{Event: Digit1, Duration: 320}.Marshal()
	out, err := dec.Process(1, 1000, update)
	require.NoError(t, err)
	assert.Empty(t, out, "обновления не выдают цифру")

	// следующая цифра закрывает предыдущую, у которой потерялись end пакеты
	next := TelephoneEvent{Event: Digit2, Duration: 160}.Marshal()
	out, err = dec.Process(1, 2000, next)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, Digit1, out[0].Event)
	assert.Equal(t, 40, out[0].DurationMs)
	assert.False(t, out[0].End)

	// запоздалый end пакет первой цифры не выдает ее повторно
	late := TelephoneEvent{Event: Digit1, End: true, Duration: 800}.Marshal()
	out, err = dec.Process(1, 1000, late)
	require.NoError(t, err)
	assert.Empty(t, out)

	ev, ok := dec.Flush()
	require.True(t, ok)
	assert.Equal(t, Digit2, ev.Event)
	_, ok = dec.Flush()
	assert.False(t, ok)
}

func TestDTMFDecoder_SameDigitTwice(t *testing.T) {
	dec := NewDTMFDecoder(8000)
	end := TelephoneEvent{Event: Digit3, End: true, Duration: 800}.Marshal()

	out, err := dec.Process(1, 1000, end)
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = dec.Process(1, 3000, end)
	require.NoError(t, err)
	require.Len(t, out, 1, "новое нажатие той же цифры с другим timestamp")
}

func TestDTMFEncoder_Errors(t *testing.T) {
	enc := NewDTMFEncoder(101, 8000, 20*time.Millisecond)
	_, err := enc.Packets(Digit(16), time.Second)
	assert.Error(t, err)
	_, err = enc.Packets(Digit1, 0)
	assert.Error(t, err)

	packets, err := enc.Packets(Digit1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, packets, 3, "короткое событие только из конечных пакетов")
	assert.Equal(t, uint8(101), packets[0].PayloadType)
}

func TestParseDTMFRelay(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		digit    Digit
		duration time.Duration
		fail     bool
	}{
		{"цифра", "Signal=5\r\nDuration=160\r\n", Digit5, 160 * time.Millisecond, false},
		{"звездочка", "Signal=*\nDuration=250", DigitStar, 250 * time.Millisecond, false},
		{"числовой код", "Signal=11\r\n", DigitPound, 0, false},
		{"пробелы", "signal = A\r\n", DigitA, 0, false},
		{"без Signal", "Duration=100", 0, 0, true},
		{"неверный код", "Signal=42", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, dur, err := ParseDTMFRelay([]byte(tt.body))
			if tt.fail {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.digit, d)
			assert.Equal(t, tt.duration, dur)
		})
	}
}
