package mailjobs

// Payload is the kind-specific input of a job. The set of implementations is
// closed: one struct per JobKind.
type Payload interface {
	Kind() JobKind
}

// RestorePayload copies archived messages back into a mailbox folder.
type RestorePayload struct {
	AccountID  string   `json:"account_id"`
	Folder     string   `json:"folder"`
	MessageIDs []string `json:"message_ids"`
}

func (*RestorePayload) Kind() JobKind { return KindRestore }

// SyncPayload pulls new mail for an account from its provider.
type SyncPayload struct {
	AccountID string `json:"account_id"`
	// Folders limits the sync to these folders. Empty means every folder the provider lists.
	Folders []string `json:"folders,omitempty"`
}

func (*SyncPayload) Kind() JobKind { return KindSync }

// ImportPayload reads an mbox file into an account's archive.
type ImportPayload struct {
	AccountID string `json:"account_id"`
	Folder    string `json:"folder"`
	FilePath  string `json:"file_path"`
	FileSize  int64  `json:"file_size"`
}

func (*ImportPayload) Kind() JobKind { return KindImport }

// ExportPayload exports every archived message of an account.
type ExportPayload struct {
	AccountID string `json:"account_id"`
}

func (*ExportPayload) Kind() JobKind { return KindExport }

// SelectionExportPayload exports an explicit list of messages.
type SelectionExportPayload struct {
	MessageIDs []string `json:"message_ids"`
}

func (*SelectionExportPayload) Kind() JobKind { return KindSelectionExport }

// DeletionPayload removes an account and all of its archived messages.
type DeletionPayload struct {
	AccountID string `json:"account_id"`
}

func (*DeletionPayload) Kind() JobKind { return KindDeletion }

// idListPayload is implemented by payloads that carry an explicit id list,
// which is what the handoff channel transports.
type idListPayload interface {
	Payload
	ids() []string
	withIDs(ids []string) Payload
}

func (p *RestorePayload) ids() []string { return p.MessageIDs }

func (p *RestorePayload) withIDs(ids []string) Payload {
	clone := *p
	clone.MessageIDs = ids
	return &clone
}

func (p *SelectionExportPayload) ids() []string { return p.MessageIDs }

func (p *SelectionExportPayload) withIDs(ids []string) Payload {
	return &SelectionExportPayload{MessageIDs: ids}
}
