package domain

// ContactType mirrors the device role nibble carried in advertisements.
type ContactType int

const (
	ContactTypeUnknown  ContactType = 0
	ContactTypeChat     ContactType = 1
	ContactTypeRepeater ContactType = 2
	ContactTypeRoom     ContactType = 3
	ContactTypeSensor   ContactType = 4
)

type MessageType string

const (
	MessageTypeDirect  MessageType = "PRIV"
	MessageTypeChannel MessageType = "CHAN"
)

// PublicChannelKey is the well-known key of the always-present "Public"
// channel, in canonical upper-case hex.
const PublicChannelKey = "8B3387E9C5CDEA6AC9E5EDBAA115CD72"

const PublicChannelName = "Public"

// Contact is a peer node identified by its Ed25519 public key. Nilable
// fields keep "unknown" distinct from a zero value so upserts can preserve
// previously learned attributes.
type Contact struct {
	PublicKey     string // 64 hex chars, lower-case
	Name          *string
	Type          ContactType
	Flags         int
	LastPath      *string // hex, one byte per hop
	LastPathLen   int     // -1 = unknown
	LastAdvert    *int64  // sender's clock, unix seconds
	Lat           *float64
	Lon           *float64
	LastSeen      int64 // our clock, unix seconds
	OnRadio       bool
	LastContacted *int64
	LastReadAt    *int64
}

func (c Contact) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	if len(c.PublicKey) >= 12 {
		return c.PublicKey[:12]
	}
	return c.PublicKey
}

func (c Contact) IsRepeater() bool {
	return c.Type == ContactTypeRepeater
}

type Channel struct {
	Key        string // 32 hex chars, upper-case
	Name       string
	IsHashtag  bool
	OnRadio    bool
	LastReadAt *int64
}

// MessagePath is one observation of the route a frame took. Multiple
// arrivals over the same route are separate observations.
type MessagePath struct {
	Path       string `json:"path"`
	ReceivedAt int64  `json:"received_at"`
}

type Message struct {
	ID              int64
	Type            MessageType
	ConversationKey string // contact pubkey (lower) for PRIV, channel key (upper) for CHAN
	Text            string
	SenderTimestamp *int64 // originator's clock, unix seconds
	ReceivedAt      int64
	Paths           []MessagePath
	TxtType         int
	Signature       *string
	Outgoing        bool
	Acked           int
}

type RawPacket struct {
	ID          int64
	Timestamp   int64
	Data        []byte
	MessageID   *int64
	PayloadHash string
}

type FavoriteType string

const (
	FavoriteContact FavoriteType = "contact"
	FavoriteChannel FavoriteType = "channel"
)

type Favorite struct {
	Type FavoriteType `json:"type"`
	ID   string       `json:"id"`
}

type BotConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Code    string `json:"code"`
}

type SidebarSort string

const (
	SidebarSortRecent SidebarSort = "recent"
	SidebarSortAlpha  SidebarSort = "alpha"
)

// AppSettings is the single-row application settings record.
type AppSettings struct {
	MaxRadioContacts      int              `json:"max_radio_contacts"`
	Favorites             []Favorite       `json:"favorites"`
	AutoDecryptDMOnAdvert bool             `json:"auto_decrypt_dm_on_advert"`
	SidebarSort           SidebarSort      `json:"sidebar_sort"`
	LastMessageTimes      map[string]int64 `json:"last_message_times"`
	PreferencesMigrated   bool             `json:"preferences_migrated"`
	AdvertInterval        int64            `json:"advert_interval"` // seconds, 0 = disabled
	LastAdvertTime        int64            `json:"last_advert_time"`
	Bots                  []BotConfig      `json:"bots"`
}

func DefaultAppSettings() AppSettings {
	return AppSettings{
		MaxRadioContacts: 100,
		SidebarSort:      SidebarSortRecent,
		LastMessageTimes: map[string]int64{},
	}
}

// UnreadSummary is the per-conversation aggregation backing the sidebar.
type UnreadSummary struct {
	Counts           map[string]int
	Mentions         map[string]bool
	LastMessageTimes map[string]int64
}
