package call_manager

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

var (
	// ErrRouteNotFound номер не обслуживается (404)
	ErrRouteNotFound = errors.New("route not found")
	// ErrRouteUnavailable номер известен, но сейчас недоступен (480)
	ErrRouteUnavailable = errors.New("route unavailable")
)

// Action решение диалплана по новому вызову
type Action int

const (
	// ActionAnswer вызов отвечается локально, аудио получает приложение
	ActionAnswer Action = iota + 1
	// ActionBridge второе плечо к Target, медиа пересылается между плечами
	ActionBridge
	// ActionReject отказ с кодом Code
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionAnswer:
		return "answer"
	case ActionBridge:
		return "bridge"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// RoutingDecision результат маршрутизации. Ядро не интерпретирует
// Application и Headers, только передает их дальше.
type RoutingDecision struct {
	Action Action

	// Target Request-URI второго плеча для ActionBridge
	Target *types.URI
	// NextHop адрес отправки INVITE второго плеча, если он отличается от
	// Target (контакт регистрации за NAT)
	NextHop *net.UDPAddr
	// Timeout ожидания ответа второго плеча, 0 без ограничения
	Timeout time.Duration

	// Application имя приложения для ActionAnswer
	Application string

	// Code и Reason ответа для ActionReject
	Code   int
	Reason string

	// Headers добавляются в INVITE второго плеча
	Headers map[string]string
}

// CallerContext сведения о вызывающей стороне
type CallerContext struct {
	CallID string
	From   *types.Address
	To     *types.Address
	Source *net.UDPAddr
	// Headers пользовательские X-* заголовки INVITE
	Headers map[string]string
}

// Router внешний диалплан. Возвращает ErrRouteNotFound или
// ErrRouteUnavailable, если маршрута нет.
type Router interface {
	Route(ctx context.Context, requestURI *types.URI, caller CallerContext) (RoutingDecision, error)
}

// RouterFunc функция как Router
type RouterFunc func(ctx context.Context, requestURI *types.URI, caller CallerContext) (RoutingDecision, error)

// Route вызывает f
func (f RouterFunc) Route(ctx context.Context, requestURI *types.URI, caller CallerContext) (RoutingDecision, error) {
	return f(ctx, requestURI, caller)
}

// EndpointDirectory справочник известных абонентов
type EndpointDirectory interface {
	Known(uri *types.URI) bool
}

// Registrar обрабатывает REGISTER и возвращает готовый ответ
type Registrar interface {
	HandleRegister(req *types.Request) *types.Response
}
