package analysis

// receiptPrompt is sent with every image. The model is asked for a bare JSON
// object; anything else goes through the fallback path in parse.go.
const receiptPrompt = `Analyze this receipt image and extract the following information in JSON format:

{
  "vendor_name": "Name of the business/store",
  "amount": "Total amount as a number (e.g., 45.67)",
  "date": "Date in YYYY-MM-DD format",
  "category": "One of: restaurant, groceries, transport, shopping, entertainment, healthcare, utilities, other",
  "confidence": "Confidence score between 0 and 1",
  "items": [
    {
      "name": "Item name",
      "price": "Item price as number",
      "quantity": "Quantity if available"
    }
  ]
}

Rules:
1. Return ONLY valid JSON, no additional text
2. If you cannot read certain information, use null for that field
3. For category, choose the most appropriate one based on the vendor/items
4. Amount should be the total amount paid
5. Date should be the transaction date, not today's date
6. Confidence should reflect how certain you are about the extracted data
7. The price is in ETB never in USD even if you scan USD receipts
8. If the receipt is not in Amharic or English, translate it to English before analyzing

Analyze the receipt now:`

// Generation settings favour deterministic extraction.
const (
	temperature     = 0.1
	topK            = 32
	topP            = 1
	maxOutputTokens = 1024
)
