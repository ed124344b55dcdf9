package plex

// Wire structures for the subset of the Plex API the gateway touches.

type sessionsResponse struct {
	MediaContainer sessionsContainer `json:"MediaContainer"`
}

type sessionsContainer struct {
	Metadata []sessionItem `json:"Metadata"`
}

type sessionItem struct {
	SessionKey       string           `json:"sessionKey"`
	RatingKey        string           `json:"ratingKey"`
	Title            string           `json:"title"`
	GrandparentTitle string           `json:"grandparentTitle"` // Show name for episodes
	Type             string           `json:"type"`
	User             sessionUser      `json:"User"`
	Player           sessionPlayer    `json:"Player"`
	Media            []mediaEntry     `json:"Media"`
	Session          sessionInfo      `json:"Session"`
	TranscodeSession transcodeSession `json:"TranscodeSession"`
}

type sessionUser struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type sessionPlayer struct {
	MachineIdentifier string `json:"machineIdentifier"`
	Product           string `json:"product"`
	Title             string `json:"title"`
}

type sessionInfo struct {
	ID       string `json:"id"`
	Location string `json:"location"` // wan/lan
}

type transcodeSession struct {
	Key           string `json:"key"`
	AudioDecision string `json:"audioDecision"`
	VideoDecision string `json:"videoDecision"`
}

type metadataResponse struct {
	MediaContainer metadataContainer `json:"MediaContainer"`
}

type metadataContainer struct {
	Metadata []detailedMetadata `json:"Metadata"`
}

type detailedMetadata struct {
	RatingKey        string       `json:"ratingKey"`
	Title            string       `json:"title"`
	GrandparentTitle string       `json:"grandparentTitle,omitempty"`
	Type             string       `json:"type"`
	LibrarySectionID int          `json:"librarySectionID"`
	UpdatedAt        int64        `json:"updatedAt"`
	Media            []mediaEntry `json:"Media,omitempty"`
}

type mediaEntry struct {
	ID   int         `json:"id"`
	Part []partEntry `json:"Part"`
}

type partEntry struct {
	ID     int           `json:"id"`
	Key    string        `json:"key"`
	Stream []streamEntry `json:"Stream,omitempty"`
}

type streamEntry struct {
	ID           int    `json:"id"`
	StreamType   int    `json:"streamType"` // 1=video, 2=audio, 3=subtitle
	Codec        string `json:"codec"`
	Channels     int    `json:"channels"`
	LanguageCode string `json:"languageCode"`
	DisplayTitle string `json:"displayTitle"`
	Selected     bool   `json:"selected"`
}

type librariesResponse struct {
	MediaContainer librariesContainer `json:"MediaContainer"`
}

type librariesContainer struct {
	Directory []directory `json:"Directory"`
}

type directory struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type homeUsersResponse struct {
	Users []homeUser `json:"users"`
}

type homeUser struct {
	ID       int64  `json:"id"`
	UUID     string `json:"uuid"`
	Title    string `json:"title"`
	Username string `json:"username"`
}

type switchUserResponse struct {
	AuthToken string `json:"authToken"`
}

type websocketNotification struct {
	NotificationContainer notificationContainer `json:"NotificationContainer"`
}

type notificationContainer struct {
	Type                         string                    `json:"type"`
	Size                         int                       `json:"size"`
	PlaySessionStateNotification []playSessionNotification `json:"PlaySessionStateNotification,omitempty"`
}

type playSessionNotification struct {
	SessionKey string `json:"sessionKey"`
	ClientID   string `json:"clientIdentifier"`
	Key        string `json:"key"` // /library/metadata/<ratingKey>
	ViewOffset int64  `json:"viewOffset"`
	State      string `json:"state"` // playing, paused, stopped, buffering
}
