package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"
)

var (
	// ErrMalformedMessage входящий кадр не удалось разобрать
	ErrMalformedMessage = errors.New("некорректное сигнальное сообщение")
	// ErrSignalingUnreachable сигнальный сокет не открылся или оборвался
	ErrSignalingUnreachable = errors.New("сигнальный сервер недоступен")
)

// Type дискриминатор сигнального сообщения на проводе
type Type string

const (
	TypePeerJoined   Type = "peer-joined"
	TypePeerLeft     Type = "peer-left"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeCallEnded    Type = "call-ended"
)

// Message закрытое множество сигнальных сообщений:
// PeerJoined, PeerLeft, Offer, Answer, ICECandidate, CallEnded.
type Message interface {
	Type() Type
	signalingMessage()
}

// Sender метаданные отправителя, которые добавляет relay
type Sender struct {
	UserID   string
	UserName string
}

// PeerJoined второй участник подключился к сигнальной комнате
type PeerJoined struct {
	UserID    string
	UserName  string
	Role      string
	PeerCount int
}

// PeerLeft участник покинул комнату
type PeerLeft struct {
	UserID    string
	UserName  string
	PeerCount int
}

// Offer SDP предложение
type Offer struct {
	SDP  string
	From Sender
}

// Answer SDP ответ
type Answer struct {
	SDP  string
	From Sender
}

// Candidate ICE кандидат в формате RTCIceCandidateInit
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ICECandidate транспортный кандидат
type ICECandidate struct {
	Candidate Candidate
	From      Sender
}

// CallEnded собеседник завершил звонок
type CallEnded struct {
	From Sender
}

func (PeerJoined) Type() Type   { return TypePeerJoined }
func (PeerLeft) Type() Type     { return TypePeerLeft }
func (Offer) Type() Type        { return TypeOffer }
func (Answer) Type() Type       { return TypeAnswer }
func (ICECandidate) Type() Type { return TypeICECandidate }
func (CallEnded) Type() Type    { return TypeCallEnded }

func (PeerJoined) signalingMessage()   {}
func (PeerLeft) signalingMessage()     {}
func (Offer) signalingMessage()        {}
func (Answer) signalingMessage()       {}
func (ICECandidate) signalingMessage() {}
func (CallEnded) signalingMessage()    {}

// envelope проводное представление. Поля relay необязательны.
type envelope struct {
	Type         Type       `json:"type"`
	SDP          string     `json:"sdp,omitempty"`
	Candidate    *Candidate `json:"candidate,omitempty"`
	UserID       looseID    `json:"user_id,omitempty"`
	UserName     string     `json:"user_name,omitempty"`
	Role         string     `json:"role,omitempty"`
	PeerCount    int        `json:"peer_count,omitempty"`
	FromUserID   looseID    `json:"from_user_id,omitempty"`
	FromUserName string     `json:"from_user_name,omitempty"`
}

// looseID идентификатор, который relay может прислать числом или строкой
type looseID string

func (id *looseID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = looseID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = looseID(n.String())
	return nil
}

// Encode сериализует сообщение в JSON кадр
func Encode(msg Message) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case PeerJoined:
		env = envelope{Type: TypePeerJoined, UserID: looseID(m.UserID), UserName: m.UserName, Role: m.Role, PeerCount: m.PeerCount}
	case PeerLeft:
		env = envelope{Type: TypePeerLeft, UserID: looseID(m.UserID), UserName: m.UserName, PeerCount: m.PeerCount}
	case Offer:
		env = envelope{Type: TypeOffer, SDP: m.SDP, FromUserID: looseID(m.From.UserID), FromUserName: m.From.UserName}
	case Answer:
		env = envelope{Type: TypeAnswer, SDP: m.SDP, FromUserID: looseID(m.From.UserID), FromUserName: m.From.UserName}
	case ICECandidate:
		c := m.Candidate
		env = envelope{Type: TypeICECandidate, Candidate: &c, FromUserID: looseID(m.From.UserID), FromUserName: m.From.UserName}
	case CallEnded:
		env = envelope{Type: TypeCallEnded, FromUserID: looseID(m.From.UserID), FromUserName: m.From.UserName}
	default:
		return nil, fmt.Errorf("неизвестный тип сообщения %T", msg)
	}
	return json.Marshal(env)
}

// Decode разбирает JSON кадр. SDP предложения и ответа проверяется парсером.
// Любая ошибка оборачивает ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	from := Sender{UserID: string(env.FromUserID), UserName: env.FromUserName}

	switch env.Type {
	case TypePeerJoined:
		return PeerJoined{UserID: string(env.UserID), UserName: env.UserName, Role: env.Role, PeerCount: env.PeerCount}, nil
	case TypePeerLeft:
		return PeerLeft{UserID: string(env.UserID), UserName: env.UserName, PeerCount: env.PeerCount}, nil
	case TypeOffer:
		if err := ValidateSDP(env.SDP); err != nil {
			return nil, err
		}
		return Offer{SDP: env.SDP, From: from}, nil
	case TypeAnswer:
		if err := ValidateSDP(env.SDP); err != nil {
			return nil, err
		}
		return Answer{SDP: env.SDP, From: from}, nil
	case TypeICECandidate:
		if env.Candidate == nil {
			return nil, fmt.Errorf("%w: ice-candidate без кандидата", ErrMalformedMessage)
		}
		return ICECandidate{Candidate: *env.Candidate, From: from}, nil
	case TypeCallEnded:
		// relay пересылает call-ended с user_id/user_name отправителя
		if from.UserID == "" && from.UserName == "" {
			from = Sender{UserID: string(env.UserID), UserName: env.UserName}
		}
		return CallEnded{From: from}, nil
	case "":
		return nil, fmt.Errorf("%w: отсутствует поле type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: неизвестный тип %s", ErrMalformedMessage, strconv.Quote(string(env.Type)))
	}
}

// ValidateSDP проверяет, что тело является разбираемым SDP
func ValidateSDP(body string) error {
	if body == "" {
		return fmt.Errorf("%w: пустой SDP", ErrMalformedMessage)
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(body)); err != nil {
		return fmt.Errorf("%w: SDP не разобран: %v", ErrMalformedMessage, err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: SDP без медиа секций", ErrMalformedMessage)
	}
	return nil
}
