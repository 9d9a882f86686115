package document

// ChangeRow is the unit of a push request: the proposed new document state
// paired with the client's last-known server copy. A nil AssumedMasterState
// means the client assumes no prior state (insert).
type ChangeRow struct {
	NewDocumentState   Document `json:"newDocumentState"`
	AssumedMasterState Document `json:"assumedMasterState,omitempty"`
}
