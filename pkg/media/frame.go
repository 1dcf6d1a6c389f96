package media

import "time"

// Frame единица воспроизведения: один RTP пакет или отметка о потере.
// Политику маскирования потерь (тишина, повтор) выбирает потребитель.
type Frame struct {
	Sequence    uint16
	Timestamp   uint32
	PayloadType uint8
	Marker      bool
	Payload     []byte

	// Lost слот не пришел вовремя. LostCount число пропущенных слотов,
	// начиная с Sequence (больше 1 только для разрыва длиннее буфера).
	Lost      bool
	LostCount int

	// Played время выдачи кадра из буфера
	Played time.Time
}
