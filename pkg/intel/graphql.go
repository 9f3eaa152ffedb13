package intel

import "encoding/json"

const intrusionSetsQuery = `query IntrusionSets($first: Int!, $after: ID) {
  intrusionSets(first: $first, after: $after) {
    edges {
      node {
        id
        name
        description
        aliases
        created
        modified
        stixCoreRelationships(first: 1) {
          pageInfo {
            globalCount
          }
        }
      }
    }
    pageInfo {
      endCursor
      hasNextPage
    }
  }
}`

const mergeMutation = `mutation MergeIntrusionSets($id: ID!, $stixObjectsIds: [String]!) {
  stixCoreObjectEdit(id: $id) {
    merge(stixCoreObjectsIds: $stixObjectsIds) {
      id
    }
  }
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

type pageInfo struct {
	EndCursor   *string `json:"endCursor"`
	HasNextPage bool    `json:"hasNextPage"`
}

// Nodes stay untyped here and are converted by the extractor before leaving the package.
type intrusionSetsData struct {
	IntrusionSets *struct {
		Edges []struct {
			Node map[string]any `json:"node"`
		} `json:"edges"`
		PageInfo pageInfo `json:"pageInfo"`
	} `json:"intrusionSets"`
}

type mergeData struct {
	StixCoreObjectEdit *struct {
		Merge *struct {
			ID string `json:"id"`
		} `json:"merge"`
	} `json:"stixCoreObjectEdit"`
}
