package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) PutCredential(c SealedCredential) error {
	_, err := s.db.Exec(`
		INSERT INTO credentials (partner_id, marketplace_id, ciphertext, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(partner_id, marketplace_id) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		c.PartnerID, c.MarketplaceID, c.Ciphertext, formatTime(time.Now()),
	)
	return err
}

func (s *Store) GetCredential(partnerID, marketplaceID string) (SealedCredential, error) {
	c := SealedCredential{PartnerID: partnerID, MarketplaceID: marketplaceID}
	var updatedAt string
	err := s.db.QueryRow(`SELECT ciphertext, updated_at FROM credentials WHERE partner_id = ? AND marketplace_id = ?`,
		partnerID, marketplaceID).Scan(&c.Ciphertext, &updatedAt)
	if err == sql.ErrNoRows {
		return SealedCredential{}, ErrNotFound
	}
	if err != nil {
		return SealedCredential{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return SealedCredential{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteCredential(partnerID, marketplaceID string) error {
	res, err := s.db.Exec(`DELETE FROM credentials WHERE partner_id = ? AND marketplace_id = ?`, partnerID, marketplaceID)
	if err != nil {
		return err
	}
	return expectOne(res)
}
