package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"modelworker/internal/message"
	"modelworker/internal/storage"
)

// Header is the conversation row. Messages is only filled when messages are embedded.
type Header struct {
	ConvUID                string            `json:"conv_uid"`
	ChatMode               string            `json:"chat_mode"`
	UserName               string            `json:"user_name,omitempty"`
	SysCode                string            `json:"sys_code,omitempty"`
	AppCode                string            `json:"app_code,omitempty"`
	Summary                string            `json:"summary,omitempty"`
	ModelName              string            `json:"model_name,omitempty"`
	ParamType              string            `json:"param_type,omitempty"`
	ParamValue             string            `json:"param_value,omitempty"`
	ChatOrder              int               `json:"chat_order"`
	SaveMessageIndependent bool              `json:"save_message_independent"`
	MessageIDs             []string          `json:"message_ids,omitempty"`
	Messages               []message.Message `json:"messages,omitempty"`
	MessageVersion         string            `json:"message_version,omitempty"`
	Created                time.Time         `json:"gmt_created"`
	Modified               time.Time         `json:"gmt_modified"`
}

func (h Header) StorageID() string { return h.ConvUID }

// MessageItem is one independently stored message.
type MessageItem struct {
	ConvUID string          `json:"conv_uid"`
	Message message.Message `json:"message"`
}

func (m MessageItem) StorageID() string { return MessageID(m.ConvUID, m.Message.Index) }

// MessageID is the storage identifier of message index in conversation convUID.
func MessageID(convUID string, index int) string {
	return fmt.Sprintf("%s___%d", convUID, index)
}

// Stores bundles the header and message storages a conversation writes to.
type Stores struct {
	Conversations storage.Storage[Header]
	Messages      storage.Storage[MessageItem]
}

// MemoryStores returns in-memory storages.
func MemoryStores() Stores {
	return Stores{
		Conversations: storage.NewMemory[Header](),
		Messages:      storage.NewMemory[MessageItem](),
	}
}

// ChatHistory is the gorm row of a conversation header.
type ChatHistory struct {
	ConvUID                string `gorm:"primaryKey;size:255"`
	ChatMode               string `gorm:"size:255"`
	Summary                string `gorm:"type:text"`
	UserName               string `gorm:"size:255;index"`
	SysCode                string `gorm:"size:128;index"`
	AppCode                string `gorm:"size:255"`
	ModelName              string `gorm:"size:255"`
	ParamType              string `gorm:"size:255"`
	ParamValue             string `gorm:"type:text"`
	ChatOrder              int
	SaveMessageIndependent bool
	MessageIDs             string `gorm:"type:text"`
	Messages               string `gorm:"type:text"`
	MessageVersion         string `gorm:"size:32"`
	GmtCreated             time.Time
	GmtModified            time.Time
}

func (ChatHistory) TableName() string { return "chat_history" }

// ChatHistoryMessage is the gorm row of an independently stored message.
type ChatHistoryMessage struct {
	MessageID     string `gorm:"primaryKey;size:300"`
	ConvUID       string `gorm:"size:255;index"`
	MessageIndex  int
	RoundIndex    int
	MessageDetail string `gorm:"type:text"`
	GmtCreated    time.Time
}

func (ChatHistoryMessage) TableName() string { return "chat_history_message" }

var headerMapper = storage.Mapper[Header, ChatHistory]{
	IDColumn: "conv_uid",
	ToModel: func(h Header) (ChatHistory, error) {
		var msgs string
		if len(h.Messages) > 0 {
			b, err := json.Marshal(h.Messages)
			if err != nil {
				return ChatHistory{}, err
			}
			msgs = string(b)
		}
		return ChatHistory{
			ConvUID:                h.ConvUID,
			ChatMode:               h.ChatMode,
			Summary:                h.Summary,
			UserName:               h.UserName,
			SysCode:                h.SysCode,
			AppCode:                h.AppCode,
			ModelName:              h.ModelName,
			ParamType:              h.ParamType,
			ParamValue:             h.ParamValue,
			ChatOrder:              h.ChatOrder,
			SaveMessageIndependent: h.SaveMessageIndependent,
			MessageIDs:             strings.Join(h.MessageIDs, ","),
			Messages:               msgs,
			MessageVersion:         h.MessageVersion,
			GmtCreated:             h.Created,
			GmtModified:            h.Modified,
		}, nil
	},
	FromModel: func(r ChatHistory) (Header, error) {
		h := Header{
			ConvUID:                r.ConvUID,
			ChatMode:               r.ChatMode,
			Summary:                r.Summary,
			UserName:               r.UserName,
			SysCode:                r.SysCode,
			AppCode:                r.AppCode,
			ModelName:              r.ModelName,
			ParamType:              r.ParamType,
			ParamValue:             r.ParamValue,
			ChatOrder:              r.ChatOrder,
			SaveMessageIndependent: r.SaveMessageIndependent,
			MessageVersion:         r.MessageVersion,
			Created:                r.GmtCreated,
			Modified:               r.GmtModified,
		}
		if r.MessageIDs != "" {
			h.MessageIDs = strings.Split(r.MessageIDs, ",")
		}
		if r.Messages != "" {
			if err := json.Unmarshal([]byte(r.Messages), &h.Messages); err != nil {
				return Header{}, fmt.Errorf("decode messages of %s: %w", r.ConvUID, err)
			}
		}
		return h, nil
	},
}

var messageMapper = storage.Mapper[MessageItem, ChatHistoryMessage]{
	IDColumn: "message_id",
	ToModel: func(m MessageItem) (ChatHistoryMessage, error) {
		b, err := json.Marshal(m.Message)
		if err != nil {
			return ChatHistoryMessage{}, err
		}
		return ChatHistoryMessage{
			MessageID:     m.StorageID(),
			ConvUID:       m.ConvUID,
			MessageIndex:  m.Message.Index,
			RoundIndex:    m.Message.RoundIndex,
			MessageDetail: string(b),
			GmtCreated:    time.Now(),
		}, nil
	},
	FromModel: func(r ChatHistoryMessage) (MessageItem, error) {
		var msg message.Message
		if err := json.Unmarshal([]byte(r.MessageDetail), &msg); err != nil {
			return MessageItem{}, fmt.Errorf("decode message %s: %w", r.MessageID, err)
		}
		if _, err := message.ParseType(string(msg.Type)); err != nil {
			return MessageItem{}, err
		}
		msg.Index, msg.RoundIndex = r.MessageIndex, r.RoundIndex
		return MessageItem{ConvUID: r.ConvUID, Message: msg}, nil
	},
}

// GormStores returns storages over the chat_history and chat_history_message tables.
func GormStores(db *gorm.DB) (Stores, error) {
	convs, err := storage.NewGorm(db, headerMapper)
	if err != nil {
		return Stores{}, err
	}
	msgs, err := storage.NewGorm(db, messageMapper)
	if err != nil {
		return Stores{}, err
	}
	return Stores{Conversations: convs, Messages: msgs}, nil
}
