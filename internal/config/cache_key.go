package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ResumeMarkerKey returns the cache key holding a candidate's last cursor position
func (r *CacheKeyStruct) ResumeMarkerKey(assessmentID, candidateID string) string {
	return fmt.Sprintf("candidate:%s:assessment:%s:cursor", candidateID, assessmentID)
}

// CompletedSectionsKey returns the cache key for a candidate's frozen section progress
func (r *CacheKeyStruct) CompletedSectionsKey(assessmentID, candidateID string) string {
	return fmt.Sprintf("candidate:%s:assessment:%s:completed_sections", candidateID, assessmentID)
}

// ActiveSessionKey returns the cache key for the candidate's live proctor session
func (r *CacheKeyStruct) ActiveSessionKey(candidateID string) string {
	return fmt.Sprintf("candidate:%s:proctor_session", candidateID)
}

var CacheKey = NewCacheKeyStruct()
