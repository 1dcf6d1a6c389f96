package transaction

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

// Key ключ сопоставления сообщения с транзакцией (RFC 3261 17.1.3, 17.2.3)
type Key struct {
	Branch string
	SentBy string // только для серверных транзакций
	Method string
	Client bool
}

// String возвращает строковое представление ключа
func (k Key) String() string {
	side := "server"
	if k.Client {
		side = "client"
	}
	return k.Method + "|" + k.Branch + "|" + k.SentBy + "|" + side
}

// keyMethod ACK относится к INVITE транзакции
func keyMethod(method string) string {
	if method == types.MethodACK {
		return types.MethodINVITE
	}
	return method
}

// ServerKey строит ключ серверной транзакции для входящего запроса.
// Для branch без z9hG4bK (RFC 2543) ключ собирается из Call-ID, номера
// CSeq, тега From и sent-by.
func ServerKey(req *types.Request) (Key, error) {
	via, err := req.TopVia()
	if err != nil {
		return Key{}, fmt.Errorf("missing Via header: %w", err)
	}
	method := keyMethod(req.Method)

	branch := via.Branch()
	if strings.HasPrefix(branch, types.BranchMagicCookie) {
		return Key{Branch: branch, SentBy: via.SentBy(), Method: method}, nil
	}

	cseq, err := req.CSeq()
	if err != nil {
		return Key{}, err
	}
	from, err := req.From()
	if err != nil {
		return Key{}, err
	}
	legacy := "2543:" + req.CallID() + ":" + strconv.FormatUint(uint64(cseq.Sequence), 10) + ":" + from.Tag()
	return Key{Branch: legacy, SentBy: via.SentBy(), Method: method}, nil
}

// ClientKey строит ключ клиентской транзакции по ответу или
// исходящему запросу
func ClientKey(msg types.Message) (Key, error) {
	via, err := msg.TopVia()
	if err != nil {
		return Key{}, fmt.Errorf("missing Via header: %w", err)
	}
	branch := via.Branch()
	if branch == "" {
		return Key{}, fmt.Errorf("missing branch parameter in Via header")
	}

	var method string
	if req, ok := msg.(*types.Request); ok {
		method = req.Method
	} else {
		cseq, err := msg.CSeq()
		if err != nil {
			return Key{}, err
		}
		method = cseq.Method
	}
	return Key{Branch: branch, Method: keyMethod(method), Client: true}, nil
}

// ackKey ключ для сопоставления ACK на 2xx с INVITE транзакцией:
// у такого ACK свой branch, совпадают Call-ID и номер CSeq
func ackKey(callID string, seq uint32) string {
	return callID + "|" + strconv.FormatUint(uint64(seq), 10)
}
