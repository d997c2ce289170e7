package handlers

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ragchat-backend/chunker"
	"ragchat-backend/models"
	"ragchat-backend/repository"
	"ragchat-backend/service"
	"ragchat-backend/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DocumentHandler handles HTTP requests for document management
type DocumentHandler struct {
	searchIndex *repository.SearchIndexRepository
	completions *service.CompletionService
	archive     storage.Archive
	maxFileSize int64
	chunkSize   int
}

// NewDocumentHandler creates a new document handler
func NewDocumentHandler(searchIndex *repository.SearchIndexRepository, completions *service.CompletionService, archive storage.Archive) *DocumentHandler {
	return &DocumentHandler{
		searchIndex: searchIndex,
		completions: completions,
		archive:     archive,
		maxFileSize: 50 * 1024 * 1024, // 50MB
		chunkSize:   chunker.DefaultChunkSize,
	}
}

// extractorRequiredExtensions need an external text extractor this service
// does not bundle
var extractorRequiredExtensions = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
}

var plainTextExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
}

// UploadDocument handles POST /api/documents/upload
func (h *DocumentHandler) UploadDocument(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "MISSING_FILE",
				"message": "File is required",
			},
		})
		return
	}

	if fileHeader.Size > h.maxFileSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FILE_TOO_LARGE",
				"message": fmt.Sprintf("File size exceeds maximum of %d bytes", h.maxFileSize),
			},
		})
		return
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if extractorRequiredExtensions[ext] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "EXTRACTOR_REQUIRED",
				"message": fmt.Sprintf("%s files require an external text extractor; upload plain text or markdown", ext),
			},
		})
		return
	}
	if !plainTextExtensions[ext] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_FILE_TYPE",
				"message": "File type not allowed. Allowed types: TXT, MD",
			},
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FILE_OPEN_ERROR",
				"message": err.Error(),
			},
		})
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FILE_READ_ERROR",
				"message": err.Error(),
			},
		})
		return
	}

	parentID := uuid.New()

	// Archive the original so operators can audit what was indexed. An
	// archive failure is not fatal to indexing.
	if _, err := h.archive.Save(c.Request.Context(), parentID, fileHeader.Filename, strings.NewReader(string(content))); err != nil {
		log.Printf("Warning: failed to archive original file %s: %v", fileHeader.Filename, err)
	}

	records, err := chunker.ChunkText(string(content), h.chunkSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "CHUNKING_FAILED",
				"message": err.Error(),
			},
		})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "EMPTY_DOCUMENT",
				"message": "File contains no indexable text",
			},
		})
		return
	}

	embeddings, err := h.completions.GenerateEmbeddingsBatch(c.Request.Context(), chunker.Contents(records))
	if err != nil {
		// Chunks are still indexed for keyword search.
		log.Printf("Warning: batch embedding failed for %s, indexing without vectors: %v", fileHeader.Filename, err)
		embeddings = make([][]float64, len(records))
	}

	uploadedAt := time.Now().UTC().Format(time.RFC3339)
	documents := make([]models.IndexDocument, len(records))
	for i, record := range records {
		metadata := map[string]interface{}{
			"parent_id":   parentID.String(),
			"filename":    fileHeader.Filename,
			"source":      fileHeader.Filename,
			"chunk_index": i,
			"uploaded_at": uploadedAt,
		}
		if record.SectionName != "" {
			metadata["section_name"] = record.SectionName
			metadata["section"] = record.SectionName
		}

		var embedding []float64
		if i < len(embeddings) {
			embedding = embeddings[i]
		}

		documents[i] = models.IndexDocument{
			ID:        fmt.Sprintf("%s-%d", parentID.String(), i),
			Title:     fileHeader.Filename,
			Content:   record.Content,
			Metadata:  metadata,
			Embedding: embedding,
		}
	}

	if err := h.searchIndex.UploadDocuments(c.Request.Context(), documents); err != nil {
		respondPipelineError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": gin.H{
			"id":          parentID,
			"filename":    fileHeader.Filename,
			"chunk_count": len(documents),
			"uploaded_at": uploadedAt,
		},
	})
}

// ListDocuments handles GET /api/documents
func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	stats, err := h.searchIndex.GetIndexStats(c.Request.Context())
	if err != nil {
		respondPipelineError(c, err)
		return
	}

	chunks, err := h.searchIndex.ListAllDocuments(c.Request.Context())
	if err != nil {
		respondPipelineError(c, err)
		return
	}

	type documentSummary struct {
		ID         string `json:"id"`
		Filename   string `json:"filename"`
		ChunkCount int    `json:"chunk_count"`
		UploadedAt string `json:"uploaded_at,omitempty"`
	}

	grouped := make(map[string]*documentSummary)
	for _, chunk := range chunks {
		parentID, _ := chunk.Metadata["parent_id"].(string)
		if parentID == "" {
			// Chunks indexed outside the upload flow stand on their own.
			parentID = chunk.ID
		}

		summary, ok := grouped[parentID]
		if !ok {
			filename, _ := chunk.Metadata["filename"].(string)
			if filename == "" {
				filename = chunk.Title
			}
			uploadedAt, _ := chunk.Metadata["uploaded_at"].(string)
			summary = &documentSummary{
				ID:         parentID,
				Filename:   filename,
				UploadedAt: uploadedAt,
			}
			grouped[parentID] = summary
		}
		summary.ChunkCount++
	}

	summaries := make([]documentSummary, 0, len(grouped))
	for _, summary := range grouped {
		summaries = append(summaries, *summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID < summaries[j].ID
	})

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"total_chunks": stats.DocumentCount,
			"documents":    summaries,
		},
	})
}

// DeleteDocument handles DELETE /api/documents/:id
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_ID",
				"message": "Document ID is required",
			},
		})
		return
	}

	deleted, err := h.searchIndex.DeleteByParentID(c.Request.Context(), id)
	if err != nil {
		respondPipelineError(c, err)
		return
	}

	// Nothing grouped under that parent: treat the ID as a direct chunk ID.
	if deleted == 0 {
		if err := h.searchIndex.DeleteDocuments(c.Request.Context(), []string{id}); err != nil {
			respondPipelineError(c, err)
			return
		}
		deleted = 1
	}

	// Drop the archived original too. Archive cleanup failures do not undo
	// the index deletion.
	if parentID, parseErr := uuid.Parse(id); parseErr == nil && h.archive != nil {
		if err := h.archive.Remove(c.Request.Context(), parentID); err != nil {
			log.Printf("Warning: failed to remove archived files for %s: %v", id, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"id":             id,
			"chunks_deleted": deleted,
		},
	})
}
