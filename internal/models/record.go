package models

import (
	"time"

	"gorm.io/gorm"
)

// GameRecord is an archived, finished session
type GameRecord struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	SessionID          string         `gorm:"index;size:64" json:"session_id"`
	PlayerName         string         `gorm:"size:128" json:"player_name"`
	PlayerBackground   string         `gorm:"size:128" json:"player_background"`
	OpponentName       string         `gorm:"size:128" json:"opponent_name"`
	OpponentBackground string         `gorm:"size:128" json:"opponent_background"`
	MainMission        bool           `json:"main_mission"`
	SideMissions       int            `json:"side_missions"`
	Performance        int            `json:"performance"`
	TotalScore         int            `gorm:"index" json:"total_score"`
	Title              string         `gorm:"size:255" json:"title"`
	EndingText         string         `gorm:"type:text" json:"ending_text"`
	Transcript         string         `gorm:"type:text" json:"-"` // serialized chat log
	FinishedAt         time.Time      `gorm:"index" json:"finished_at"`
	CreatedAt          time.Time      `json:"created_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
}
