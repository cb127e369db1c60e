package store

import (
	"encoding/json"

	"github.com/cpacia/obmail/message"
	"github.com/libp2p/go-libp2p-core/crypto"
)

func marshalServers(servers []message.MailServer) ([]byte, error) {
	if len(servers) == 0 {
		return nil, nil
	}
	return json.Marshal(servers)
}

func unmarshalServers(raw []byte) ([]message.MailServer, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var servers []message.MailServer
	if err := json.Unmarshal(raw, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

func processingToRow(rec *message.ProcessingRecord) (*processingRow, error) {
	envBytes, err := rec.Content.Marshal()
	if err != nil {
		return nil, err
	}
	serverBytes, err := marshalServers(rec.MailServers)
	if err != nil {
		return nil, err
	}

	row := &processingRow{
		ID:            rec.StaticID.String(),
		Status:        int(rec.Status),
		Sender:        rec.Sender,
		Recipient:     rec.Recipient,
		Envelope:      envBytes,
		MailServers:   serverBytes,
		HasPoWTarget:  rec.HasPoWTarget,
		FailureReason: rec.FailureReason,
	}
	if rec.HasPoWTarget {
		row.PoWTarget = rec.PoWTarget.Bytes()
	}
	if rec.RecipientKey != nil {
		raw, err := crypto.MarshalPublicKey(rec.RecipientKey)
		if err != nil {
			return nil, err
		}
		row.RecipientKey = raw
	}
	return row, nil
}

func rowToProcessing(row *processingRow) (*message.ProcessingRecord, error) {
	id, err := message.IDFromHex(row.ID)
	if err != nil {
		return nil, err
	}
	var env message.Envelope
	if err := env.Unmarshal(row.Envelope); err != nil {
		return nil, err
	}
	servers, err := unmarshalServers(row.MailServers)
	if err != nil {
		return nil, err
	}

	rec := &message.ProcessingRecord{
		StaticID:      id,
		Status:        message.Status(row.Status),
		Sender:        row.Sender,
		Recipient:     row.Recipient,
		Content:       env,
		MailServers:   servers,
		HasPoWTarget:  row.HasPoWTarget,
		FailureReason: row.FailureReason,
	}
	if row.HasPoWTarget {
		target, err := message.IDFromBytes(row.PoWTarget)
		if err != nil {
			return nil, err
		}
		rec.PoWTarget = target
	}
	if len(row.RecipientKey) > 0 {
		pub, err := crypto.UnmarshalPublicKey(row.RecipientKey)
		if err != nil {
			return nil, err
		}
		rec.RecipientKey = pub
	}
	return rec, nil
}

func archiveToRow(rec *message.ArchiveRecord, seq uint64) (*archiveRow, error) {
	envBytes, err := rec.Content.Marshal()
	if err != nil {
		return nil, err
	}
	serverBytes, err := marshalServers(rec.MailServers)
	if err != nil {
		return nil, err
	}
	return &archiveRow{
		ID:               rec.ID.String(),
		Status:           int(rec.Status),
		Sender:           rec.Sender,
		Recipient:        rec.Recipient,
		RecipientAddress: rec.RecipientAddress,
		Envelope:         envBytes,
		MailServers:      serverBytes,
		Timestamp:        rec.Content.Timestamp,
		Seq:              seq,
	}, nil
}

func rowToArchive(row *archiveRow) (*message.ArchiveRecord, error) {
	id, err := message.IDFromHex(row.ID)
	if err != nil {
		return nil, err
	}
	var env message.Envelope
	if err := env.Unmarshal(row.Envelope); err != nil {
		return nil, err
	}
	servers, err := unmarshalServers(row.MailServers)
	if err != nil {
		return nil, err
	}
	return &message.ArchiveRecord{
		ID:               id,
		Status:           message.Status(row.Status),
		Sender:           row.Sender,
		Recipient:        row.Recipient,
		RecipientAddress: row.RecipientAddress,
		Content:          env,
		MailServers:      servers,
	}, nil
}

func inboxToRow(h *message.InboxHeader) *inboxRow {
	return &inboxRow{
		ID:        h.ID.String(),
		Sender:    h.Sender,
		Recipient: h.Recipient,
		Subject:   h.Subject,
		Timestamp: h.Timestamp,
	}
}

func rowToInbox(row *inboxRow) (*message.InboxHeader, error) {
	id, err := message.IDFromHex(row.ID)
	if err != nil {
		return nil, err
	}
	return &message.InboxHeader{
		ID:        id,
		Sender:    row.Sender,
		Recipient: row.Recipient,
		Subject:   row.Subject,
		Timestamp: row.Timestamp,
	}, nil
}
