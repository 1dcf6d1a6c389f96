// Package media содержит обработку медиа потока, не зависящую от сокетов:
// jitter buffer и RFC 2833 DTMF.
package media

// SeqLess сравнивает 16-битные номера RTP с учетом переполнения:
// 65535 < 0 < 1.
func SeqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// SeqDiff знаковое расстояние a-b в диапазоне [-32768, 32767]
func SeqDiff(a, b uint16) int {
	return int(int16(a - b))
}
