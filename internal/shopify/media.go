package shopify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ILLUVRSE/imagerotation/internal/media"
)

const mediaFields = `
	id
	status
	alt
	... on MediaImage {
		originalSource { url }
		image { url }
	}
`

type mediaNode struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Alt            string `json:"alt"`
	OriginalSource *struct {
		URL string `json:"url"`
	} `json:"originalSource"`
	Image *struct {
		URL string `json:"url"`
	} `json:"image"`
}

func (n mediaNode) toMedia() media.Media {
	m := media.Media{ID: n.ID, AltText: n.Alt, Status: n.Status}
	switch {
	case n.OriginalSource != nil && n.OriginalSource.URL != "":
		m.SourceURL = n.OriginalSource.URL
	case n.Image != nil:
		m.SourceURL = n.Image.URL
	}
	return m
}

const productStateQuery = `
query ProductMediaState($id: ID!) {
	product(id: $id) {
		id
		media(first: 250) { nodes {` + mediaFields + `} }
		variants(first: 250) {
			nodes {
				id
				media(first: 1) { nodes { id } }
			}
		}
	}
}`

func (c *Client) GetProductState(ctx context.Context, productID string) (media.ProductState, error) {
	var data struct {
		Product *struct {
			ID    string `json:"id"`
			Media struct {
				Nodes []mediaNode `json:"nodes"`
			} `json:"media"`
			Variants struct {
				Nodes []struct {
					ID    string `json:"id"`
					Media struct {
						Nodes []struct {
							ID string `json:"id"`
						} `json:"nodes"`
					} `json:"media"`
				} `json:"nodes"`
			} `json:"variants"`
		} `json:"product"`
	}
	if err := c.query(ctx, productStateQuery, map[string]interface{}{"id": productID}, &data); err != nil {
		return media.ProductState{}, fmt.Errorf("product state %s: %w", productID, err)
	}
	if data.Product == nil {
		return media.ProductState{}, fmt.Errorf("%w: %s", media.ErrProductNotFound, productID)
	}
	state := media.ProductState{ProductID: productID, Heroes: map[string]string{}}
	for _, n := range data.Product.Media.Nodes {
		state.Media = append(state.Media, n.toMedia())
	}
	for _, v := range data.Product.Variants.Nodes {
		hero := ""
		if len(v.Media.Nodes) > 0 {
			hero = v.Media.Nodes[0].ID
		}
		state.Heroes[v.ID] = hero
	}
	return state, nil
}

const lookupQuery = `
query LookupMedia($ids: [ID!]!) {
	nodes(ids: $ids) {` + mediaFields + `}
}`

func (c *Client) LookupMedia(ctx context.Context, ids []string) (map[string]media.Media, error) {
	out := map[string]media.Media{}
	if len(ids) == 0 {
		return out, nil
	}
	var data struct {
		Nodes []*mediaNode `json:"nodes"`
	}
	if err := c.query(ctx, lookupQuery, map[string]interface{}{"ids": ids}, &data); err != nil {
		return nil, fmt.Errorf("lookup media: %w", err)
	}
	for _, n := range data.Nodes {
		if n == nil || n.ID == "" {
			continue
		}
		out[n.ID] = n.toMedia()
	}
	return out, nil
}

const createMediaMutation = `
mutation CreateProductMedia($productId: ID!, $media: [CreateMediaInput!]!) {
	productCreateMedia(productId: $productId, media: $media) {
		media {` + mediaFields + `}
		mediaUserErrors { field message code }
	}
}`

// CreateMedia creates one media per call so that a failed item never leaves the batch ambiguous,
// running at most CreateConcurrency calls at once.
func (c *Client) CreateMedia(ctx context.Context, productID string, inputs []media.CreateInput) ([]media.Media, error) {
	return media.CreateConcurrently(ctx, c.createConcurrency, inputs, func(ctx context.Context, in media.CreateInput) (media.Media, error) {
		var data struct {
			ProductCreateMedia struct {
				Media      []mediaNode `json:"media"`
				UserErrors []userError `json:"mediaUserErrors"`
			} `json:"productCreateMedia"`
		}
		vars := map[string]interface{}{
			"productId": productID,
			"media": []map[string]interface{}{{
				"originalSource":   in.SourceURL,
				"alt":              in.AltText,
				"mediaContentType": "IMAGE",
			}},
		}
		if err := c.mutate(ctx, createMediaMutation, vars, &data); err != nil {
			return media.Media{}, err
		}
		if err := userErrorsErr("productCreateMedia", data.ProductCreateMedia.UserErrors); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "product does not exist") {
				return media.Media{}, fmt.Errorf("%w: %s", media.ErrProductNotFound, productID)
			}
			return media.Media{}, err
		}
		if len(data.ProductCreateMedia.Media) != 1 {
			return media.Media{}, fmt.Errorf("%w: productCreateMedia returned %d media", media.ErrRejected, len(data.ProductCreateMedia.Media))
		}
		m := data.ProductCreateMedia.Media[0].toMedia()
		m.SourceURL = in.SourceURL
		return m, nil
	})
}

const fileUpdateMutation = `
mutation UpdateFileReferences($files: [FileUpdateInput!]!) {
	fileUpdate(files: $files) {
		files { id }
		userErrors { field message code }
	}
}`

func (c *Client) updateReferences(ctx context.Context, op, productID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	files := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		files = append(files, map[string]interface{}{"id": id, op: []string{productID}})
	}
	var data struct {
		FileUpdate struct {
			UserErrors []userError `json:"userErrors"`
		} `json:"fileUpdate"`
	}
	if err := c.mutate(ctx, fileUpdateMutation, map[string]interface{}{"files": files}, &data); err != nil {
		return fmt.Errorf("fileUpdate %s: %w", op, err)
	}
	return userErrorsErr("fileUpdate "+op, data.FileUpdate.UserErrors)
}

func (c *Client) AttachMedia(ctx context.Context, productID string, ids []string) error {
	return c.updateReferences(ctx, "referencesToAdd", productID, ids)
}

// UnassignMedia removes the product reference; the files stay in the shop's library.
func (c *Client) UnassignMedia(ctx context.Context, productID string, ids []string) error {
	return c.updateReferences(ctx, "referencesToRemove", productID, ids)
}

const reorderMutation = `
mutation ReorderProductMedia($id: ID!, $moves: [MoveInput!]!) {
	productReorderMedia(id: $id, moves: $moves) {
		job { id done }
		mediaUserErrors { field message code }
	}
}`

func (c *Client) ReorderMedia(ctx context.Context, productID string, moves []media.Move) (string, error) {
	if len(moves) == 0 {
		return "", nil
	}
	in := make([]map[string]interface{}, 0, len(moves))
	for _, mv := range moves {
		in = append(in, map[string]interface{}{"id": mv.MediaID, "newPosition": strconv.Itoa(mv.Position)})
	}
	var data struct {
		ProductReorderMedia struct {
			Job *struct {
				ID   string `json:"id"`
				Done bool   `json:"done"`
			} `json:"job"`
			UserErrors []userError `json:"mediaUserErrors"`
		} `json:"productReorderMedia"`
	}
	if err := c.mutate(ctx, reorderMutation, map[string]interface{}{"id": productID, "moves": in}, &data); err != nil {
		return "", fmt.Errorf("productReorderMedia: %w", err)
	}
	if err := userErrorsErr("productReorderMedia", data.ProductReorderMedia.UserErrors); err != nil {
		return "", err
	}
	job := data.ProductReorderMedia.Job
	if job == nil || job.Done {
		return "", nil
	}
	return job.ID, nil
}

const jobQuery = `
query JobStatus($id: ID!) {
	job(id: $id) { id done }
}`

func (c *Client) PollJob(ctx context.Context, jobID string, timeout time.Duration) error {
	cfg := c.poll
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	return media.PollUntil(ctx, cfg, func(ctx context.Context) (bool, error) {
		var data struct {
			Job *struct {
				Done bool `json:"done"`
			} `json:"job"`
		}
		if err := c.query(ctx, jobQuery, map[string]interface{}{"id": jobID}, &data); err != nil {
			if media.IsTransient(err) {
				return false, nil
			}
			return false, fmt.Errorf("job %s: %w", jobID, err)
		}
		if data.Job == nil {
			return false, fmt.Errorf("%w: job %s not found", media.ErrRejected, jobID)
		}
		return data.Job.Done, nil
	})
}

const variantMediaQuery = `
query VariantMedia($id: ID!) {
	productVariant(id: $id) {
		id
		media(first: 10) { nodes { id } }
	}
}`

const detachVariantMediaMutation = `
mutation DetachVariantMedia($productId: ID!, $variantMedia: [ProductVariantDetachMediaInput!]!) {
	productVariantDetachMedia(productId: $productId, variantMedia: $variantMedia) {
		userErrors { field message code }
	}
}`

const appendVariantMediaMutation = `
mutation AppendVariantMedia($productId: ID!, $variantMedia: [ProductVariantAppendMediaInput!]!) {
	productVariantAppendMedia(productId: $productId, variantMedia: $variantMedia) {
		userErrors { field message code }
	}
}`

// AssignVariantHero detaches whatever the variant shows and attaches mediaID, if any.
func (c *Client) AssignVariantHero(ctx context.Context, productID, variantID, mediaID string) error {
	var current struct {
		ProductVariant *struct {
			Media struct {
				Nodes []struct {
					ID string `json:"id"`
				} `json:"nodes"`
			} `json:"media"`
		} `json:"productVariant"`
	}
	if err := c.query(ctx, variantMediaQuery, map[string]interface{}{"id": variantID}, &current); err != nil {
		return fmt.Errorf("variant media %s: %w", variantID, err)
	}
	if current.ProductVariant == nil {
		return fmt.Errorf("%w: variant %s", media.ErrProductNotFound, variantID)
	}
	var detach []string
	already := false
	for _, n := range current.ProductVariant.Media.Nodes {
		if n.ID == mediaID {
			already = true
			continue
		}
		detach = append(detach, n.ID)
	}
	if len(detach) > 0 {
		var data struct {
			ProductVariantDetachMedia struct {
				UserErrors []userError `json:"userErrors"`
			} `json:"productVariantDetachMedia"`
		}
		vars := map[string]interface{}{
			"productId":    productID,
			"variantMedia": []map[string]interface{}{{"variantId": variantID, "mediaIds": detach}},
		}
		if err := c.mutate(ctx, detachVariantMediaMutation, vars, &data); err != nil {
			return fmt.Errorf("productVariantDetachMedia: %w", err)
		}
		if err := userErrorsErr("productVariantDetachMedia", data.ProductVariantDetachMedia.UserErrors); err != nil {
			return err
		}
	}
	if mediaID == "" || already {
		return nil
	}
	var data struct {
		ProductVariantAppendMedia struct {
			UserErrors []userError `json:"userErrors"`
		} `json:"productVariantAppendMedia"`
	}
	vars := map[string]interface{}{
		"productId":    productID,
		"variantMedia": []map[string]interface{}{{"variantId": variantID, "mediaIds": []string{mediaID}}},
	}
	if err := c.mutate(ctx, appendVariantMediaMutation, vars, &data); err != nil {
		return fmt.Errorf("productVariantAppendMedia: %w", err)
	}
	return userErrorsErr("productVariantAppendMedia", data.ProductVariantAppendMedia.UserErrors)
}

const stagedUploadsMutation = `
mutation StageUpload($input: [StagedUploadInput!]!) {
	stagedUploadsCreate(input: $input) {
		stagedTargets {
			url
			resourceUrl
			parameters { name value }
		}
		userErrors { field message }
	}
}`

// StageUpload reserves a staged target and posts the bytes to it. The returned resource URL is
// fetchable by productCreateMedia.
func (c *Client) StageUpload(ctx context.Context, file media.StagedFile) (string, error) {
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	input := map[string]interface{}{
		"filename":   file.Filename,
		"mimeType":   mimeType,
		"resource":   "IMAGE",
		"httpMethod": "POST",
	}
	if file.Size > 0 {
		input["fileSize"] = strconv.FormatInt(file.Size, 10)
	}
	var data struct {
		StagedUploadsCreate struct {
			StagedTargets []struct {
				URL         string `json:"url"`
				ResourceURL string `json:"resourceUrl"`
				Parameters  []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"parameters"`
			} `json:"stagedTargets"`
			UserErrors []userError `json:"userErrors"`
		} `json:"stagedUploadsCreate"`
	}
	if err := c.mutate(ctx, stagedUploadsMutation, map[string]interface{}{"input": []interface{}{input}}, &data); err != nil {
		return "", fmt.Errorf("stagedUploadsCreate: %w", err)
	}
	if err := userErrorsErr("stagedUploadsCreate", data.StagedUploadsCreate.UserErrors); err != nil {
		return "", err
	}
	if len(data.StagedUploadsCreate.StagedTargets) != 1 {
		return "", fmt.Errorf("%w: stagedUploadsCreate returned %d targets", media.ErrRejected, len(data.StagedUploadsCreate.StagedTargets))
	}
	target := data.StagedUploadsCreate.StagedTargets[0]

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	for _, p := range target.Parameters {
		if err := form.WriteField(p.Name, p.Value); err != nil {
			return "", fmt.Errorf("staged upload form: %w", err)
		}
	}
	part, err := form.CreateFormFile("file", file.Filename)
	if err != nil {
		return "", fmt.Errorf("staged upload form: %w", err)
	}
	if file.Body != nil {
		if _, err := io.Copy(part, file.Body); err != nil {
			return "", fmt.Errorf("staged upload body: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("staged upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, &buf)
	if err != nil {
		return "", fmt.Errorf("staged upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: staged upload: %v", media.ErrTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: staged upload: %s", media.ErrTransient, resp.Status)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: staged upload: %s", media.ErrRejected, resp.Status)
	}
	return target.ResourceURL, nil
}
